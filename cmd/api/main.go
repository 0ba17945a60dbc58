// Command api runs the consigned-credit contract service: the HTTP API,
// the partner webhook ingress, and the outbox worker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"consignflow/auth"
	"consignflow/config"
	"consignflow/contract"
	"consignflow/corban"
	"consignflow/db"
	"consignflow/eligibility"
	"consignflow/notify"
	"consignflow/partner"
	"consignflow/payment"
	"consignflow/recalc"
	"consignflow/tasks"
	"consignflow/webhook"
)

// speciesConfig maps the configured species thresholds onto the
// eligibility rules.
func speciesConfig(cfg *config.Config) eligibility.SpeciesConfig {
	restricted := make(map[int]bool, len(cfg.RestrictedSpecies))
	for _, code := range cfg.RestrictedSpecies {
		restricted[code] = true
	}
	return eligibility.SpeciesConfig{
		DeathPensionMinAge: cfg.DeathPensionMinAge,
		RestrictedSpecies:  restricted,
	}
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	// A malformed transition table is a programming error; refuse to boot.
	if err := contract.ValidateTransitionTable(); err != nil {
		sugar.Fatalw("transition table invalid", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		sugar.Fatalw("database migration error", "error", err.Error())
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer pool.Close()

	repo := contract.NewRepository()
	ledger := contract.NewStatusLedger()
	status := contract.NewStatusService(repo, ledger)

	bands, err := repo.GetAgeBands(ctx, pool)
	if err != nil {
		sugar.Fatalw("age band load error", "error", err.Error())
	}
	if err := eligibility.ValidateBandExclusivity(bands); err != nil {
		sugar.Fatalw("age bands overlap", "error", err.Error())
	}

	partnerClient := partner.NewHTTPClient(cfg.PartnerBaseURL, []byte(cfg.PartnerSigningKey), logger)

	engine := recalc.NewEngine(func(ctx context.Context, rate decimal.Decimal, termMonths int, balance decimal.Decimal) (recalc.Quote, error) {
		q, err := partnerClient.Simulate(ctx, rate, termMonths, balance)
		if err != nil {
			return recalc.Quote{}, err
		}
		return recalc.Quote{Installment: q.Installment, AnnualCET: q.AnnualCET}, nil
	}, logger)

	var notifier *notify.Notifier
	if cfg.SMSEndpoint != "" {
		notifier = notify.NewNotifier(notify.NewHTTPSender(cfg.SMSEndpoint), logger)
	}

	lifecycle := contract.NewLifecycle(contract.LifecycleParams{
		DB:         pool,
		Repo:       repo,
		Ledger:     ledger,
		Status:     status,
		Partner:    partnerClient,
		Engine:     engine,
		Notifier:   notifier,
		SpeciesCfg: speciesConfig(cfg),
		Logger:     logger,
	})
	reconciler := payment.NewReconciler(pool, repo, ledger, status, partnerClient, time.Now, logger)
	dispatcher := webhook.NewDispatcher(pool, repo, lifecycle, reconciler, logger)
	worker := tasks.NewWorker(pool, repo, lifecycle, reconciler, logger)
	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	srv := &Server{
		authService:   authService,
		lifecycle:     lifecycle,
		reconciler:    reconciler,
		dispatcher:    dispatcher,
		corbanService: corban.NewService(corban.NewRepository(pool)),
		repo:          repo,
		db:            pool,
		decoder:       partnerClient,
		logger:        logger,
	}

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: srv.router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := worker.Run(ctx)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("outbox worker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting contract service", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
