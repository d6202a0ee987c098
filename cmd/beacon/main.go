package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"beacon/internal/app"
	"beacon/internal/config"
	"beacon/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon relay and ledger",
	Long: `Beacon keeps a registry of autonomous agents and a small ledger between them.
- Relay: agents register a public key, receive a relay token and send heartbeats; silence is classified
  as active, silent or presumed_dead.
- Contracts: rent/buy/lease_to_own/bounty agreements between known agents.
- Bounties: tasks mirrored from an external tracker; claiming and completing them credits reputation.
- Reputation: a score recomputed from the ledger on demand.
- Names: human-readable aliases for agent ids.
- Event log: every mutation is recorded; view it with 'beacon log tail'.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BEACON")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "beacon.yml", "config file (defaults apply when absent)")
	pf.StringP("data-dir", "d", "", "data directory (overrides data_dir)")
	pf.Bool("json", false, "output JSON")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "console", "log format: console or json")
	pf.String("server", "http://127.0.0.1:8071", "relay URL for remote commands")
	for _, name := range []string{"config", "data-dir", "json", "log-level", "log-format", "server"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(contractsCmd())
	rootCmd.AddCommand(bountiesCmd())
	rootCmd.AddCommand(reputationCmd())
	rootCmd.AddCommand(dnsCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch viper.GetString("log-format") {
	case "json":
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("--log-format must be console or json")
	}
	return cfg.Build()
}

// envOverrides layers BEACON_* variables over the file config.
func envOverrides(cfg *config.Config) {
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("token-secret"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := viper.GetString("operator-secret"); v != "" {
		cfg.Auth.OperatorSecret = v
	}
}

func openRuntime(ctx context.Context, logger *zap.Logger) (*app.Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return app.Open(ctx, app.Options{
		DataDir:    viper.GetString("data-dir"),
		ConfigPath: viper.GetString("config"),
		Override:   envOverrides,
		Logger:     logger,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case v is printed.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}
