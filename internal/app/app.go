package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"medallion-etl/internal/config"
	"medallion-etl/internal/fetcher"
	"medallion-etl/internal/logicaldate"
	"medallion-etl/internal/notify"
	"medallion-etl/internal/pipeline"
	"medallion-etl/internal/scheduler"
	"medallion-etl/internal/storage"
)

const telegramTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		out:    os.Stdout,
	}
}

// SetOutput redirects command output, stdout by default.
func (a *App) SetOutput(w io.Writer) {
	if w != nil {
		a.out = w
	}
}

func (a *App) newFetcher() fetcher.PriceSource {
	src := a.Config.Source
	return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:   src.BaseURL,
		Path:      src.Endpoints.SimplePrice,
		Timeout:   src.RequestTimeout,
		UserAgent: src.UserAgent,
		APIKey:    src.APIKey,
	}, a.Logger)
}

// newNotifier returns the configured completion sinks and a closer for them.
func (a *App) newNotifier() (notify.Notifier, func()) {
	var sinks notify.Fanout
	closer := func() {}

	kcfg := a.Config.Completion.Kafka
	if kcfg.Enabled {
		publisher := notify.NewKafkaPublisher(kcfg.Brokers, kcfg.Topic, kcfg.WriteTimeout, a.Logger)
		sinks = append(sinks, publisher)
		closer = func() {
			if err := publisher.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close kafka publisher")
			}
		}
	}

	tcfg := a.Config.Completion.Telegram
	if tcfg.Enabled {
		sinks = append(sinks, notify.NewTelegramNotifier(tcfg.BotToken, tcfg.ChatID, tcfg.APIBase, telegramTimeout, a.Logger))
	}

	if len(sinks) == 0 {
		return nil, closer
	}
	return sinks, closer
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, storage.OptionsFromConfig(a.Config.Warehouse))
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

type stages struct {
	capture   *pipeline.Capture
	normalize *pipeline.Normalizer
	aggregate *pipeline.Aggregator
}

func (a *App) buildStages(store *storage.Store) (stages, error) {
	capture, err := pipeline.NewCapture(a.Config, a.newFetcher(), store, a.Logger)
	if err != nil {
		return stages{}, err
	}
	normalize, err := pipeline.NewNormalizer(a.Config, store, store, a.Logger)
	if err != nil {
		return stages{}, err
	}
	aggregate, err := pipeline.NewAggregator(a.Config, store, store, a.Logger)
	if err != nil {
		return stages{}, err
	}
	return stages{capture: capture, normalize: normalize, aggregate: aggregate}, nil
}

// Run executes the long-running daily scheduler.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := a.buildStages(store)
	if err != nil {
		return err
	}
	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	runner := pipeline.NewRunner(st.capture, st.normalize, st.aggregate, notifier, a.Logger)

	schedCfg := a.Config.Scheduler
	sched, err := scheduler.New(scheduler.Options{
		Spec:       schedCfg.Cron,
		Timezone:   schedCfg.Timezone,
		RunOnStart: schedCfg.RunOnStart,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	}

	a.Logger.Info().Msg("starting pipeline scheduler")
	err = sched.Run(ctx, func(ctx context.Context, ds time.Time) error {
		_, runErr := runner.RunWithRetries(ctx, ds, schedCfg.Retries, schedCfg.RetryDelay)
		return runErr
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scheduler terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline scheduler stopped")
	return nil
}

// RunStage runs one stage, or the full pipeline when name is "pipeline", for ds.
func (a *App) RunStage(ctx context.Context, name string, ds time.Time) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := a.buildStages(store)
	if err != nil {
		return err
	}

	var stage pipeline.Stage
	switch name {
	case pipeline.StageCapture:
		stage = st.capture
	case pipeline.StageNormalize:
		stage = st.normalize
	case pipeline.StageAggregate:
		stage = st.aggregate
	case StagePipeline:
		notifier, closeNotifier := a.newNotifier()
		defer closeNotifier()
		runner := pipeline.NewRunner(st.capture, st.normalize, st.aggregate, notifier, a.Logger)
		summary, err := runner.Run(ctx, ds)
		if err != nil {
			return err
		}
		for _, result := range summary.Stages {
			a.printResult(result)
		}
		return nil
	default:
		return fmt.Errorf("unknown stage %q", name)
	}

	result, err := stage.Run(pipeline.WithRunID(ctx, uuid.NewString()), ds)
	if err != nil {
		return err
	}
	a.printResult(result)
	return nil
}

// StagePipeline names the full Capture, Normalize, Aggregate sequence.
const StagePipeline = "pipeline"

func (a *App) printResult(result pipeline.StageResult) {
	status := "ok"
	if result.Skipped {
		status = "skipped"
	}
	fmt.Fprintf(a.out, "%s\t%s\trows=%d\t%s\t%s\n",
		logicaldate.Format(result.LogicalDate),
		result.Stage,
		result.Rows,
		status,
		result.Duration.Round(time.Millisecond),
	)
}

// Migrate creates the bronze, silver and gold tables when absent.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	a.Logger.Info().
		Str("bronze", a.Config.Warehouse.BronzeTable).
		Str("silver", a.Config.Warehouse.SilverTable).
		Str("gold", a.Config.Warehouse.GoldTable).
		Msg("schema ensured")
	return nil
}

// ExportOptions hold parameters for exporting gold metrics.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Coin      string
	Currency  string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Date   *time.Time
	Limit  int
	Format string
}
