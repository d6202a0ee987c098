package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	beaconsdk "beacon/sdk/go"
)

// relayCmd talks to a running relay over HTTP, the way an agent would.
func relayCmd() *cobra.Command {
	relay := &cobra.Command{Use: "relay", Short: "Act as a relay agent against --server"}
	relay.AddCommand(relayRegisterCmd())
	relay.AddCommand(relayHeartbeatCmd())
	relay.AddCommand(relayPingCmd())
	return relay
}

func sdkClient() *beaconsdk.Client {
	c := beaconsdk.New(viper.GetString("server"))
	c.OperatorToken = viper.GetString("operator-token")
	return c
}

// session is what 'relay register' saves so later heartbeats can reuse the token.
type session struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"relay_token"`
	Server  string `json:"server"`
}

func loadSession(path string) (session, error) {
	var s session
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read session %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse session %s: %w", path, err)
	}
	return s, nil
}

func saveSession(path string, s session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func relayRegisterCmd() *cobra.Command {
	var seed, sessionPath string
	var opts beaconsdk.RegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register with a key from 'beacon keygen'",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(strings.TrimSpace(seed))
			if err != nil || len(raw) != ed25519.SeedSize {
				return fmt.Errorf("--seed must be %d hex-encoded bytes", ed25519.SeedSize)
			}
			opts.Key = ed25519.NewKeyFromSeed(raw)
			c := sdkClient()
			reg, err := c.Register(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if sessionPath != "" {
				if err := saveSession(sessionPath, session{AgentID: reg.AgentID, Token: reg.Token, Server: c.BaseURL}); err != nil {
					return err
				}
			}
			return printJSON(reg)
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "ed25519 seed (hex)")
	cmd.Flags().StringVar(&opts.ModelID, "model-id", "", "model identifier")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "model provider")
	cmd.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	cmd.Flags().StringSliceVar(&opts.Capabilities, "capability", nil, "capability (repeatable)")
	cmd.Flags().StringVar(&opts.CallbackURL, "callback-url", "", "URL for ledger callbacks")
	cmd.Flags().StringVar(&sessionPath, "session", ".beacon-session.json", "where to save the agent id and token")
	return cmd
}

func relayHeartbeatCmd() *cobra.Command {
	var sessionPath, status string
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Send a heartbeat with the saved token",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(sessionPath)
			if err != nil {
				return err
			}
			c := sdkClient()
			if !cmd.Flags().Changed("server") && s.Server != "" {
				c.BaseURL = s.Server
			}
			c.SetSession(s.AgentID, s.Token)
			res, err := c.Heartbeat(cmd.Context(), status, nil)
			if err != nil {
				return err
			}
			if res.Token != "" {
				s.Token = res.Token
				if err := saveSession(sessionPath, s); err != nil {
					return err
				}
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&sessionPath, "session", ".beacon-session.json", "session file from 'relay register'")
	cmd.Flags().StringVar(&status, "status", "", "active, degraded or shutting_down")
	return cmd
}

func relayPingCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "ping <agent-id>",
		Short: "Send an unauthenticated ping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := sdkClient().Ping(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "active, degraded or shutting_down")
	return cmd
}
