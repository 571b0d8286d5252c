// Package main runs the ehragent HTTP service: per-user portal browser
// sessions driven by chat messages, with AI-suggested replies.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/entrhq/ehragent/pkg/actions"
	"github.com/entrhq/ehragent/pkg/assistant"
	"github.com/entrhq/ehragent/pkg/automation"
	"github.com/entrhq/ehragent/pkg/automation/playwright"
	"github.com/entrhq/ehragent/pkg/config"
	"github.com/entrhq/ehragent/pkg/llm/openai"
	"github.com/entrhq/ehragent/pkg/logging"
	"github.com/entrhq/ehragent/pkg/metrics"
	"github.com/entrhq/ehragent/pkg/server"
	"github.com/entrhq/ehragent/pkg/session"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	version = "0.1.0"

	// reapInterval is how often idle sessions are looked for.
	reapInterval = time.Minute

	shutdownTimeout = 30 * time.Second
)

var (
	configFlag   string
	addrFlag     string
	entryURLFlag string
	headedFlag   bool
	logLevelFlag string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ehragent",
		Short: "Chat bridge to the OA/EHR portal",
		Long: `ehragent keeps one browser session per user on the OA/EHR portal,
turns chat messages into portal actions and suggests replies with an AI model.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default ~/.ehragent/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address, overrides server.addr")
	serveCmd.Flags().StringVar(&entryURLFlag, "entry-url", "", "Portal entry URL, overrides portal.entry_url")
	serveCmd.Flags().BoolVar(&headedFlag, "headed", false, "Show browser windows")
	serveCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error")
	rootCmd.AddCommand(serveCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  showConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the current configuration to the config file",
		Args:  cobra.NoArgs,
		RunE:  initConfig,
	})
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ehragent v%s\n", version)
		},
	})

	return rootCmd
}

func loadEnv() {
	// Load .env files from common locations (ignore errors if not found)
	_ = godotenv.Load(".env")
	if homeDir, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(homeDir, config.DefaultDir, ".env"))
	}
}

func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	cfg, err := config.New(configFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server().Update(func(s *config.ServerSettings) { s.Addr = addrFlag })
	}
	if flags.Changed("entry-url") {
		cfg.Portal().Update(func(p *config.PortalSettings) { p.EntryURL = entryURLFlag })
	}
	if flags.Changed("headed") {
		cfg.Portal().Update(func(p *config.PortalSettings) { p.Headless = !headedFlag })
	}
	if flags.Changed("log-level") {
		cfg.Logging().Update(func(l *config.LoggingSettings) { l.Level = logLevelFlag })
	}

	for _, section := range cfg.GetSections() {
		if err := section.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s settings: %w", section.ID(), err)
		}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	loadEnv()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logSettings := cfg.Logging().Settings()
	logging.Initialize(logging.Config{
		Level:      logSettings.Level,
		Format:     logSettings.Format,
		File:       logSettings.File,
		MaxSizeMB:  logSettings.MaxSizeMB,
		MaxBackups: logSettings.MaxBackups,
		MaxAgeDays: logSettings.MaxAgeDays,
		Compress:   logSettings.Compress,
	}, nil)
	log := logging.NewLogger("main")
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()
	portal := cfg.Portal().Settings()

	engine := session.NewEngineInitializer(playwright.NewDriver(), logging.NewLogger("engine"), m)
	registry := session.NewRegistry(engine, session.Options{
		EntryURL: portal.EntryURL,
		Headless: portal.Headless,
		Viewport: automation.Viewport{
			Width:  portal.ViewportWidth,
			Height: portal.ViewportHeight,
		},
		Timeout:              portal.NavigationTimeout,
		RenavigateOnRecreate: portal.RenavigateOnRecreate,
	}, session.WithLogger(logging.NewLogger("sessions")), session.WithMetrics(m))

	var reaperDone <-chan struct{}
	if portal.IdleTimeout > 0 {
		reaperDone = registry.StartReaper(ctx, reapInterval, portal.IdleTimeout)
	}

	ai := cfg.AI().Settings()
	replier := openai.NewClient(ai.APIKey,
		openai.WithURL(ai.APIURL),
		openai.WithModel(ai.Model),
		openai.WithTemperature(ai.Temperature),
		openai.WithTimeout(ai.Timeout),
		openai.WithLogger(logging.NewLogger("ai")),
		openai.WithMetrics(m),
	)
	if !replier.Configured() {
		log.Warnf("no AI key configured (set ai.api_key or %s); replies will explain this", openai.APIKeyEnv)
	}

	dispatcher := actions.NewDispatcher(
		actions.WithLogger(logging.NewLogger("actions")),
		actions.WithMetrics(m),
	)
	chat := assistant.NewService(registry, dispatcher, replier,
		assistant.WithLogger(logging.NewLogger("assistant")))

	srvSettings := cfg.Server().Settings()
	srv := server.NewServer(server.Config{
		Addr:           srvSettings.Addr,
		AllowedOrigins: srvSettings.AllowedOrigins,
		RequestTimeout: srvSettings.RequestTimeout,
	}, registry, chat,
		server.WithLogger(logging.NewLogger("http")),
		server.WithGatherer(prometheus.DefaultGatherer),
	)

	log.Infof("ehragent v%s starting; portal %s, model %s", version, portal.EntryURL, replier.Model())
	runErr := srv.Run(ctx)
	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		log.Errorf("HTTP server stopped: %v", runErr)
	}
	stop()

	if reaperDone != nil {
		<-reaperDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	log.Infof("stopped")

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		return runErr
	}
	return nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.New(configFlag)
	if err != nil {
		return err
	}

	out := make(map[string]map[string]interface{})
	for _, section := range cfg.GetSections() {
		data := section.Data()
		if key, ok := data["api_key"].(string); ok && key != "" {
			data["api_key"] = "***"
		}
		out[section.ID()] = data
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

func initConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.New(configFlag)
	if err != nil {
		return err
	}
	if err := cfg.SaveAll(); err != nil {
		return err
	}

	path := configFlag
	if fs, ok := cfg.Store().(*config.FileStore); ok {
		path = fs.Path()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
