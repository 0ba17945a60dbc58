package corban

import "time"

// Profile captures the subset of correspondent agent data exposed via the
// desk API. Corbans are the storefront agents that type proposals on
// behalf of clients.
type Profile struct {
	ID        string
	Name      string
	CNPJ      string
	Active    bool
	CreatedAt time.Time
}
