// Package cmd wires configuration, logging and the proxy components behind
// the mcp-compact CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/banyan-god/mcp-compact/internal/config"
	"github.com/banyan-god/mcp-compact/internal/provider"
	"github.com/banyan-god/mcp-compact/internal/proxy"
	"github.com/banyan-god/mcp-compact/internal/rules"
	"github.com/banyan-god/mcp-compact/internal/summarize"
	"github.com/banyan-god/mcp-compact/internal/tokenizer"
	"github.com/banyan-god/mcp-compact/internal/upstream"
)

var (
	cfgFile       string
	rulesFlag     string
	upstreamFlag  string
	listenFlag    string
	hostFlag      string
	portFlag      int
	modelFlag     string
	providerFlag  string
	baseURLFlag   string
	logLevelFlag  string
	logFormatFlag string
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	rootCmd := &cobra.Command{
		Use:   "mcp-compact",
		Short: "MCP proxy with token-budgeted tool output compaction",
		Long: "mcp-compact sits between an MCP client and an upstream MCP server,\n" +
			"forwarding tool calls transparently while surviving upstream session\n" +
			"failures and summarizing oversized tool outputs to a per-tool token budget.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(version)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/mcp-compact/config.yaml)")
	rootCmd.Flags().StringVar(&rulesFlag, "rules", "", "tool rules JSON file (overrides config rules_file)")
	rootCmd.Flags().StringVar(&upstreamFlag, "upstream", "", "upstream MCP server URL")
	rootCmd.Flags().StringVar(&listenFlag, "listen", "", "inbound mode: http or stdio")
	rootCmd.Flags().StringVar(&hostFlag, "host", "", "inbound HTTP host")
	rootCmd.Flags().IntVar(&portFlag, "port", 0, "inbound HTTP port")
	rootCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "summarization model")
	rootCmd.Flags().StringVarP(&providerFlag, "provider", "p", "", "summarization provider: openai or anthropic")
	rootCmd.Flags().StringVar(&baseURLFlag, "base-url", "", "summarization backend base URL")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFormatFlag, "log-format", "", "log format: json, console, auto")

	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig loads configuration, applies CLI flag overrides and validates.
func initConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if rulesFlag != "" {
		cfg.RulesFile = rulesFlag
	}
	if upstreamFlag != "" {
		cfg.Upstream.URL = upstreamFlag
	}
	if listenFlag != "" {
		cfg.Listen.Mode = listenFlag
	}
	if hostFlag != "" {
		cfg.Listen.Host = hostFlag
	}
	if portFlag > 0 {
		cfg.Listen.Port = portFlag
	}
	if modelFlag != "" {
		cfg.LLM.Model = modelFlag
	}
	if providerFlag != "" {
		cfg.LLM.Provider = providerFlag
	}
	if baseURLFlag != "" {
		cfg.LLM.BaseURL = baseURLFlag
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if logFormatFlag != "" {
		cfg.Log.Format = logFormatFlag
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildLogger constructs the zap logger from config. Logs always go to
// stderr: stdout belongs to the MCP stdio transport.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	format := cfg.Format
	if format == "auto" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		} else {
			format = "json"
		}
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// loadRules merges inline config rules with the rules file; file entries
// win per tool name.
func loadRules(cfg *config.Config) (*rules.Store, error) {
	store, err := rules.FromMap(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if cfg.RulesFile != "" {
		fileStore, err := rules.Load(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		store = store.Merge(fileStore)
	}
	return store, nil
}

// buildBackend returns the summarization provider, or nil when none is
// configured; the pipeline then degrades to pass-through.
func buildBackend(cfg config.LLMConfig) provider.Provider {
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" || cfg.APIKey == "EMPTY" {
			return nil
		}
		return provider.NewAnthropicProvider(cfg.APIKey, cfg.Model)
	default:
		// The default "EMPTY" key with a configured base URL still
		// builds a backend: local inference servers ignore the key.
		if cfg.BaseURL == "" && (cfg.APIKey == "" || cfg.APIKey == "EMPTY") {
			return nil
		}
		return provider.NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	}
}

// runServe starts the proxy and blocks until shutdown.
func runServe(version string) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := loadRules(cfg)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	backend := buildBackend(cfg.LLM)
	backendDesc := "disabled"
	if backend != nil {
		backendDesc = fmt.Sprintf("%s (%s)", cfg.LLM.Model, backend.Name())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := upstream.NewManager(cfg.Upstream, version, logger.Named("upstream"))
	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("upstream connect: %w", err)
	}
	defer mgr.Close()

	pipe := summarize.New(backend, tokenizer.NewEstimator(cfg.LLM.Model), cfg.LLM, logger.Named("summarize"))
	facade := proxy.NewFacade(mgr, pipe, store, logger.Named("proxy"))
	server := proxy.NewServer(facade, mgr, cfg.Listen, version, logger.Named("server"))

	if err := server.SyncTools(ctx); err != nil {
		return err
	}

	logger.Info("mcp-compact ready",
		zap.String("version", version),
		zap.String("listen", cfg.Listen.Mode),
		zap.Int("tools", len(mgr.Tools())),
		zap.Int("rules", store.Len()),
		zap.Strings("ruled_tools", store.Tools()),
		zap.String("backend", backendDesc))

	return server.Run(ctx)
}
