package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webruntime/ace/internal/auth"
	"github.com/webruntime/ace/internal/config"
	"github.com/webruntime/ace/internal/pip"
	"github.com/webruntime/ace/internal/policy"
	"github.com/webruntime/ace/internal/server"
	"github.com/webruntime/ace/internal/session"
	"github.com/webruntime/ace/internal/store"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "ace",
		Short: "Access Control Engine for widget runtime permissions",
		Long:  "ace — evaluates Subject/Resource/Environment/WidgetState requests against an XACML-style policy tree and reconciles the verdict with user preferences.",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: built-in defaults)")

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the evaluator and its HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, addr)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Override the HTTP listen address")

	var widgetID, feature, function string
	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a single widget/feature request against the active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(configFile, widgetID, feature, function)
		},
	}
	evaluateCmd.Flags().StringVar(&widgetID, "widget", "", "Widget identifier (required)")
	evaluateCmd.Flags().StringVar(&feature, "feature", "", "Feature name")
	evaluateCmd.Flags().StringVar(&function, "function", "", "Function name")
	evaluateCmd.MarkFlagRequired("widget")

	var policyPath string
	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Parse and validate a policy document without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReload(policyPath)
		},
	}
	reloadCmd.Flags().StringVar(&policyPath, "path", "", "Path to the policy document to load (required)")
	reloadCmd.MarkFlagRequired("path")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ace %s (%s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(serveCmd, evaluateCmd, reloadCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(configFile string) *config.Config {
	loader := config.NewLoader()
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			slog.Error("failed to load config, using defaults", "error", err)
		}
	}
	return loader.Get()
}

func buildEvaluator(cfg *config.Config, logger *slog.Logger) (*policy.Evaluator, *store.DB, error) {
	loader := policy.NewLoader(logger)

	sessions := session.NewManager(logger)
	platformPIP := pip.NewPlatformPIP(map[policy.AttrType]pip.Source{
		policy.TypeWidgetState: pip.WidgetStateSource(sessions),
		policy.TypeResource:    pip.RequestParamSource(),
		policy.TypeSubject:     pip.RequestParamSource(),
		policy.TypeEnvironment: pip.RequestParamSource(),
		policy.TypeUser:        pip.RequestParamSource(),
	}, logger)

	var cache policy.VerdictCache
	var settings policy.SettingsStore
	var db *store.DB
	if cfg.Storage.Driver == "sqlite" {
		var err error
		db, err = store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening store: %w", err)
		}
		cache = store.NewSQLiteCache(db, logger)
		settings = store.NewSQLiteSettings(db, logger)
	} else {
		cache = policy.NewMemoryCache()
		settings = store.NewMemorySettings()
	}

	// NewEvaluator registers its cache-purge reload hook on loader
	// before the first Load/WatchPolicyFile call below, so the initial
	// load and every subsequent hot-reload go through the same
	// swap-then-purge path.
	evaluator := policy.NewEvaluator(loader, platformPIP, cache, settings, logger)

	if cfg.Policy.WatchFile {
		if err := loader.WatchPolicyFile(cfg.Policy.Path); err != nil {
			return nil, nil, fmt.Errorf("watching policy file: %w", err)
		}
	} else if err := loader.Load(cfg.Policy.Path); err != nil {
		return nil, nil, fmt.Errorf("loading policy file: %w", err)
	}

	return evaluator, db, nil
}

func runServe(configFile, addrOverride string) error {
	logger := slog.Default()
	cfg := loadConfig(configFile)

	evaluator, db, err := buildEvaluator(cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	var tokenManager *auth.TokenManager
	if cfg.Auth.TokenTTL > 0 {
		tokenManager = auth.NewTokenManager(cfg.Auth.TokenTTL, logger)
	}

	srv := server.NewServer(cfg.Server, evaluator, tokenManager, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addrOverride)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func runEvaluate(configFile, widgetID, feature, function string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := loadConfig(configFile)

	evaluator, db, err := buildEvaluator(cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	result := evaluator.Evaluate(policy.Request{WidgetID: widgetID, Feature: feature, Function: function})
	fmt.Println(result.String())
	return nil
}

func runReload(path string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	loader := policy.NewLoader(logger)
	if err := loader.Load(path); err != nil {
		return err
	}
	fmt.Printf("ok: %d nodes loaded from %s\n", len(loader.ActiveTree().Nodes), path)
	return nil
}
