package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"beacon/internal/config"
	"beacon/internal/engine/auth"
	"beacon/internal/identity"
	"beacon/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			op := auth.Operator{Secret: cfg.Auth.OperatorSecret}
			if !op.Enabled() {
				logger.Warn("no operator secret configured; bounty sync is open to every caller")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Logger:   logger,
				Operator: op,
			})
			if err != nil {
				return err
			}
			if err := server.StartCallbackNotifier(ctx, rt.Engine, logger); err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving beacon",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("data_dir", rt.DataDir),
				zap.Bool("signature_verification", rt.Engine.Verifier != nil),
			)
			fmt.Printf("Serving Beacon API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 identity",
		Long:  "Prints the public key, the private seed and the agent id the relay will derive from the key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			out := map[string]string{
				"public_key": hex.EncodeToString(pub),
				"seed":       hex.EncodeToString(priv.Seed()),
				"agent_id":   identity.Derive(pub),
			}
			return printJSONOrText(out, fmt.Sprintf("agent_id:   %s\npublic_key: %s\nseed:       %s", out["agent_id"], out["public_key"], out["seed"]))
		},
	}
}

func operatorCmd() *cobra.Command {
	op := &cobra.Command{Use: "operator", Short: "Operator credentials"}
	var subject string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator bearer token for bounty sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOnly()
			if err != nil {
				return err
			}
			signed, err := auth.Operator{Secret: cfg.Auth.OperatorSecret}.Issue(subject, time.Now(), ttl)
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]string{"token": signed, "subject": subject}, signed)
		},
	}
	token.Flags().StringVar(&subject, "subject", "operator", "token subject recorded as the event actor")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	op.AddCommand(token)
	return op
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default beacon.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigOnly(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func loadConfigOnly() (*config.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.FromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}
	envOverrides(cfg)
	return cfg, cfg.Validate()
}
