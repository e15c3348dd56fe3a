package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pbaille/chccat/internal/config"
	"github.com/pbaille/chccat/internal/exposure"
	"github.com/pbaille/chccat/internal/irt"
	"github.com/pbaille/chccat/internal/itembank"
	"github.com/pbaille/chccat/internal/logging"
	"github.com/pbaille/chccat/internal/metrics"
	"github.com/pbaille/chccat/internal/session"
	"github.com/pbaille/chccat/internal/simulate"
	"github.com/pbaille/chccat/internal/store"
)

var (
	dbPath     string
	configPath string
	redisURL   string
	bankPath   string
	formPath   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "chccat",
		Short:        "Multi-domain adaptive cognitive test engine",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default from config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "redis URL for shared exposure counts")
	rootCmd.PersistentFlags().StringVar(&bankPath, "bank", "", "item bank JSON (default: generated bank)")
	rootCmd.PersistentFlags().StringVar(&formPath, "form", "", "form JSON with allow-lists and anchors")

	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(difCmd())
	rootCmd.AddCommand(excludeCmd())
	rootCmd.AddCommand(includeCmd())
	rootCmd.AddCommand(exclusionsCmd())
	rootCmd.AddCommand(exposureCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app bundles what the commands share, built from the persistent flags.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *store.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	closers  []func() error
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if redisURL != "" {
		cfg.Redis.URL = redisURL
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	s, err := getStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
	a.log.Sync()
}

func getStore(path string) (*store.Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return store.New(path)
}

// ledger opens the exposure ledger on redis when configured, else on the
// database, and loads the persisted counts.
func (a *app) ledger(ctx context.Context) (*exposure.Ledger, error) {
	var p exposure.Persister = a.store
	if a.cfg.Redis.URL != "" {
		rp, err := exposure.NewRedisPersister(ctx, a.cfg.Redis.URL, a.cfg.Redis.Key)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rp.Close)
		p = rp
	}
	l := exposure.NewLedger(
		exposure.WithPersister(p),
		exposure.WithMetrics(a.metrics),
		exposure.WithLogger(a.log),
	)
	if err := l.Load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// bank and form accept a file path or an http(s) URL.
func (a *app) bank(ctx context.Context) (*itembank.Bank, error) {
	if bankPath == "" {
		a.log.Warn("no item bank given, using a generated bank")
		return itembank.New(simulate.ItemBank(a.cfg, 40, 1))
	}
	return itembank.Open(ctx, bankPath)
}

func (a *app) form(ctx context.Context) (*itembank.Form, error) {
	if formPath == "" {
		return nil, nil
	}
	return itembank.OpenForm(ctx, formPath)
}

func (a *app) engine(bank *itembank.Bank, ledger *exposure.Ledger) (*session.Engine, error) {
	est, err := irt.NewEstimator(a.cfg.Grid.Min, a.cfg.Grid.Max, a.cfg.Grid.Step)
	if err != nil {
		return nil, err
	}
	return session.NewEngine(a.cfg, bank, est, ledger, a.store,
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	), nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the engine configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump [path]",
		Short: "Write the effective configuration as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Save(args[0]); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", args[0])
			return nil
		},
	})
	return cmd
}
