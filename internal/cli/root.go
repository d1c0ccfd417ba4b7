// Package cli implements the memcp CLI commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcp/internal/config"
	"github.com/rcliao/memcp/internal/embedding"
	"github.com/rcliao/memcp/internal/logging"
	"github.com/rcliao/memcp/internal/memory"
	"github.com/rcliao/memcp/internal/observability"
	"github.com/rcliao/memcp/internal/queue"
	"github.com/rcliao/memcp/internal/store"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memcp",
	Short: "Long-term memory for coding assistants",
	Long: "Save distilled facts, few-shot examples and links per project, and recall\n" +
		"a token-budgeted bundle of them for a task. SQLite or Postgres backed.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.memcp/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "SQLite database path (overrides config and $MEMCP_DB)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Driver = config.StoreSQLite
		cfg.Store.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		return store.NewPostgresStore(ctx, cfg.Store.PostgresDSN, cfg.EmbeddingDimension())
	default:
		return store.NewSQLiteStore(cfg.Store.Path)
	}
}

// app bundles what a command needs; Close releases it.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	store    store.Store
	embedder embedding.Embedder
	svc      *memory.Service
}

// newApp loads configuration and opens the store. The service has no queue
// yet; commands attach the one that suits them.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	var emb embedding.Embedder
	provider, err := embedding.New(cfg.EmbeddingClientConfig())
	if err != nil {
		// recall still works lexically without a provider
		logger.Warn().Err(err).Str("provider", cfg.Embedding.Provider).Msg("embeddings disabled")
	} else if provider != nil {
		emb = embedding.NewBreaker(provider, embedding.DefaultBreakerConfig(), logger.Component("embedding"))
	}

	var hub *observability.Hub
	if cfg.Observability.Path != "" {
		w := observability.NewJSONLWriter(cfg.Observability.Path, cfg.Observability.MaxBytes)
		hub = observability.NewHub(w, logger.Logger)
	}

	svc := memory.New(memory.Options{
		Store:    st,
		Embedder: emb,
		Hub:      hub,
		Log:      logger.Logger,
	})

	return &app{cfg: cfg, log: logger, store: st, embedder: emb, svc: svc}, nil
}

func (a *app) retryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{MaxAttempts: a.cfg.Worker.MaxAttempts, BackoffBase: a.cfg.Worker.BackoffBase}
}

// useInlineQueue makes embedding jobs run before the command returns.
func (a *app) useInlineQueue() {
	a.svc.SetQueue(queue.NewInline(a.svc.HandleJob, a.retryPolicy(), a.log.Component("queue")))
}

// saveEmbedTimeout bounds the embedding attempt made by save and import.
const saveEmbedTimeout = 5 * time.Second

// saveRetryPolicy makes a single bounded attempt. Records it leaves without
// an embedding are picked up by the worker's backfill.
func saveRetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{MaxAttempts: 1, AttemptTimeout: saveEmbedTimeout}
}

// useSaveQueue is useInlineQueue for writes: a down provider delays the
// command by at most saveEmbedTimeout.
func (a *app) useSaveQueue() {
	a.svc.SetQueue(queue.NewInline(a.svc.HandleJob, saveRetryPolicy(), a.log.Component("queue")))
}

// startPool attaches a background worker pool. The caller closes it.
func (a *app) startPool(ctx context.Context) *queue.Pool {
	w := a.cfg.Worker
	pool := queue.NewPool(queue.PoolConfig{
		Workers:       w.Workers,
		QueueSize:     w.QueueSize,
		RatePerSecond: w.RatePerSecond,
		Retry:         a.retryPolicy(),
	}, a.svc.HandleJob, a.log.Logger)
	pool.Start(ctx)
	a.svc.SetQueue(pool)
	return pool
}

func (a *app) Close() {
	a.store.Close()
	a.log.Close()
}

func mustApp(cmd *cobra.Command) *app {
	a, err := newApp(cmd.Context())
	if err != nil {
		exitErr("init", err)
	}
	return a
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

// splitList parses a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
