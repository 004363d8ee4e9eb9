package internal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/dcakeeper/config"
	"github.com/vadiminshakov/dcakeeper/internal/alert"
	"github.com/vadiminshakov/dcakeeper/internal/clients"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/metrics"
	"github.com/vadiminshakov/dcakeeper/internal/scheduler"
	"github.com/vadiminshakov/dcakeeper/internal/services/builder"
	"github.com/vadiminshakov/dcakeeper/internal/services/reader"
	"github.com/vadiminshakov/dcakeeper/internal/services/runner"
	"github.com/vadiminshakov/dcakeeper/internal/services/submitter"
	"github.com/vadiminshakov/dcakeeper/internal/storage/executions"
	"github.com/vadiminshakov/dcakeeper/internal/storage/simstate"
	"github.com/vadiminshakov/dcakeeper/internal/web"
)

type ledger interface {
	ReadObject(ctx context.Context, id string) (json.RawMessage, error)
	Simulate(ctx context.Context, tx domain.Transaction) (domain.Effects, error)
	SignAndSubmit(ctx context.Context, tx domain.Transaction) (domain.SubmitResponse, error)
}

// Keeper wires one signer, ledger and scheduler together with their journal,
// alerts, metrics and control surface.
type Keeper struct {
	cfg        *config.Config
	configPath string

	signer    *clients.Signer
	runner    *runner.Runner
	scheduler *scheduler.SchedulerHandle
	journal   *executions.WALStore
	metrics   *metrics.Registry
	server    *web.Server
	started   time.Time
	l         *zap.Logger
}

// NewKeeper builds a keeper from a validated configuration. configPath is
// re-read on reload requests.
func NewKeeper(cfg *config.Config, configPath string, logger *zap.Logger) (*Keeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	signer, err := newSigner(cfg, logger)
	if err != nil {
		return nil, err
	}

	ldg, err := newLedger(cfg, signer, logger)
	if err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()
	rd := reader.New(ldg, logger.Named("reader"))
	b := builder.New(builder.Config{
		PackageID:           cfg.Venues.PackageID,
		ClockID:             cfg.Venues.ClockID,
		CetusGlobalConfigID: cfg.Venues.CetusGlobalConfigID,
		TurbosVersionedID:   cfg.Venues.TurbosVersionedID,
	}, signer.Address())
	sub := submitter.New(ldg,
		submitter.WithGasBudget(cfg.Ledger.GasBudget),
		submitter.WithLogger(logger.Named("submitter")))

	r := runner.New(rd, b, sub, runner.Config{
		MaxRetries:  cfg.Execution.MaxRetries,
		RetryDelay:  cfg.Execution.RetryDelay,
		DryRun:      cfg.Execution.DryRun,
		Concurrency: cfg.Execution.Concurrency,
		MonthMode:   cfg.Execution.MonthMode,
	}, runner.WithLogger(logger.Named("runner")), runner.WithSkipRecorder(reg))

	k := &Keeper{
		cfg:        cfg,
		configPath: configPath,
		signer:     signer,
		runner:     r,
		metrics:    reg,
		l:          logger,
	}

	opts := []scheduler.Option{
		scheduler.WithRecorder(reg),
		scheduler.WithLogger(logger.Named("scheduler")),
	}
	if cfg.Alerts.WebhookURL != "" {
		opts = append(opts, scheduler.WithAlertSink(alert.NewWebhookSink(cfg.Alerts.WebhookURL,
			alert.WithTimeout(cfg.Alerts.Timeout),
			alert.WithRateLimit(cfg.Alerts.RateLimit))))
	}
	if cfg.Journal.Enabled {
		journal, err := executions.NewWALStore(cfg.Journal.Dir)
		if err != nil {
			return nil, errors.Wrap(err, "open execution journal")
		}
		k.journal = journal
		opts = append(opts, scheduler.WithJournal(journal))
	}

	k.scheduler, err = scheduler.New(r, scheduler.Config{
		Interval:     cfg.Schedule.Interval,
		Cron:         cfg.Schedule.Cron,
		CycleTimeout: cfg.Schedule.CycleTimeout,
		RunOnStart:   cfg.Schedule.RunOnStart,
	}, cfg.Accounts, opts...)
	if err != nil {
		k.closeJournal()
		return nil, errors.Wrap(err, "create scheduler")
	}

	if cfg.HTTP.Enabled {
		webOpts := []web.Option{
			web.WithReloader(k.Reload),
			web.WithSummary(func() any { return k.cfg.Summary(k.scheduler.Accounts()) }),
			web.WithMetrics(reg.Handler()),
			web.WithLogger(logger.Named("web")),
		}
		if k.journal != nil {
			webOpts = append(webOpts, web.WithExecutions(k.journal))
		}
		k.server = web.NewServer(cfg.HTTP.Addr, k.scheduler, webOpts...)
	}

	return k, nil
}

func newSigner(cfg *config.Config, logger *zap.Logger) (*clients.Signer, error) {
	key, err := cfg.PrivateKey()
	if err == nil {
		signer, err := clients.NewSignerFromHex(key)
		if err != nil {
			return nil, errors.Wrap(err, "load signer key")
		}
		return signer, nil
	}
	if !cfg.Ledger.Simulate {
		return nil, err
	}

	// a simulated ledger accepts any key; seeds default their delegatee to it
	pk, genErr := crypto.GenerateKey()
	if genErr != nil {
		return nil, errors.Wrap(genErr, "generate ephemeral signer key")
	}
	signer, genErr := clients.NewSigner(pk)
	if genErr != nil {
		return nil, genErr
	}
	logger.Warn("signer key not set, using an ephemeral key for the simulated ledger",
		zap.String("env", cfg.Ledger.PrivateKeyEnv),
		zap.String("address", signer.Address()))
	return signer, nil
}

func newLedger(cfg *config.Config, signer *clients.Signer, logger *zap.Logger) (ledger, error) {
	if !cfg.Ledger.Simulate {
		client, err := clients.NewLedgerClient(clients.LedgerClientConfig{
			URL:            cfg.Ledger.RPCURL,
			RequestTimeout: cfg.Ledger.RequestTimeout,
			RateLimit:      cfg.Ledger.RateLimit,
		}, signer)
		if err != nil {
			return nil, errors.Wrap(err, "create ledger client")
		}
		return client, nil
	}

	store, err := simstate.NewStore(cfg.Ledger.SimulateStateDir)
	if err != nil {
		return nil, err
	}
	sim, err := clients.NewSimulateLedger(
		clients.WithStateStore(store),
		clients.WithMonthMode(cfg.Execution.MonthMode),
		clients.WithSimulateLogger(logger.Named("simulate")))
	if err != nil {
		return nil, errors.Wrap(err, "create simulated ledger")
	}

	for _, seed := range cfg.Ledger.SimulateAccounts {
		snap, err := seed.Snapshot(signer.Address())
		if err != nil {
			return nil, err
		}
		// persisted state wins over seeds so restarts keep order counts
		sim.PutAccount(snap, false)
	}
	logger.Info("using simulated ledger", zap.Strings("accounts", sim.AccountIDs()))

	return sim, nil
}

// Address returns the signer address.
func (k *Keeper) Address() string { return k.signer.Address() }

// Scheduler returns the keeper's scheduler handle.
func (k *Keeper) Scheduler() *scheduler.SchedulerHandle { return k.scheduler }

// Metrics returns the keeper's metrics registry.
func (k *Keeper) Metrics() *metrics.Registry { return k.metrics }

// Reload re-reads the configuration file and returns its validated account set.
// Only accounts are hot-reloaded; other sections need a restart.
func (k *Keeper) Reload(ctx context.Context) ([]domain.AccountConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k.configPath == "" {
		return nil, errors.New("keeper was not started from a config file")
	}

	fresh, err := config.Load(k.configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateAccounts(fresh.Accounts, k.cfg.Venues); err != nil {
		return nil, errors.Wrap(err, "reloaded accounts")
	}

	k.l.Info("configuration reloaded", zap.String("path", k.configPath), zap.Int("accounts", len(fresh.Accounts)))
	return fresh.Accounts, nil
}

// Run starts the scheduler and the control surface and blocks until ctx is
// done or the server fails. It waits for an in-flight cycle before returning.
func (k *Keeper) Run(ctx context.Context) error {
	defer k.closeJournal()

	// cycles are not cancelled by shutdown signals; Stop waits for them instead
	k.scheduler.Start(context.Background())
	k.started = time.Now()

	g, gctx := errgroup.WithContext(ctx)
	if k.server != nil {
		g.Go(func() error {
			if len(k.cfg.HTTP.AutoTLSDomains) > 0 {
				return k.server.StartWithAutoTLS(gctx, k.cfg.HTTP.AutoTLSDomains, k.cfg.HTTP.CertCacheDir)
			}
			return k.server.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()

	k.l.Info("shutting down, waiting for in-flight cycle")
	k.scheduler.Stop()
	k.l.Info("keeper stopped", zap.Duration("uptime", time.Since(k.started)))

	return err
}

// RunOnce runs a single cycle through the scheduler so the journal, alerts and
// metrics see it, then stops the scheduler.
func (k *Keeper) RunOnce(ctx context.Context) ([]domain.ExecutionResult, error) {
	defer k.closeJournal()
	defer k.scheduler.Stop()

	return k.scheduler.Trigger(ctx)
}

func (k *Keeper) closeJournal() {
	if k.journal == nil {
		return
	}
	if err := k.journal.Close(); err != nil {
		k.l.Warn("failed to close execution journal", zap.Error(err))
	}
}

// SignerAddress derives the ledger address of a hex private key.
func SignerAddress(privateKeyHex string) (string, error) {
	signer, err := clients.NewSignerFromHex(privateKeyHex)
	if err != nil {
		return "", errors.Wrap(err, "load signer key")
	}
	return signer.Address(), nil
}
