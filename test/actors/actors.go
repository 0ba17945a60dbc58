package actors

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"consignflow/contract"
	"consignflow/webhook"
)

// CollateralSignaler replays the lien registration signal against the same
// contract. The settlement join must absorb replays and concurrent
// deliveries without producing a second parking or finalized entry.
func CollateralSignaler(ctx context.Context, lc *contract.Lifecycle, contractID int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := lc.HandleCollateralConstituted(ctx, contractID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// chaos kills backends; transient failures retry on the next tick
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// PaidSignaler replays the settlement payment signal, racing the collateral
// signal for the finalizing transition.
func PaidSignaler(ctx context.Context, lc *contract.Lifecycle, contractID int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := lc.HandlePaid(ctx, contractID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// WebhookReplayer hands the same raw delivery to the dispatcher over and
// over. The first delivery routes; every replay must be swallowed by the
// delivery-key reservation.
func WebhookReplayer(ctx context.Context, d *webhook.Dispatcher, payload []byte, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := d.Handle(ctx, "", payload); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// LedgerReader keeps read pressure on the rows the signalers lock.
func LedgerReader(ctx context.Context, pool *pgxpool.Pool, contractID int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var status string
		_ = pool.QueryRow(ctx, `SELECT status FROM contracts WHERE id=$1`, contractID).Scan(&status)
		rows, err := pool.Query(ctx, `SELECT name FROM status_ledger WHERE contract_id=$1 ORDER BY id`, contractID)
		if err == nil {
			for rows.Next() {
				var name string
				_ = rows.Scan(&name)
			}
			rows.Close()
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}
