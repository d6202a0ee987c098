package config

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"beacon/internal/reputation"
)

// Config models beacon.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// TrustedProxies lists IPs or CIDRs allowed to set X-Forwarded-For.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`
	DataDir    string             `yaml:"data_dir"`
	Relay      RelayConfig        `yaml:"relay"`
	Auth       AuthConfig         `yaml:"auth"`
	RateLimit  RateLimitConfig    `yaml:"ratelimit"`
	Reputation reputation.Weights `yaml:"reputation"`
	Ledger     LedgerConfig       `yaml:"ledger"`
	Callbacks  CallbackConfig     `yaml:"callbacks"`

	banned  []*regexp.Regexp
	proxies []netip.Prefix
}

type RelayConfig struct {
	TokenTTL         time.Duration `yaml:"token_ttl"`
	SilenceThreshold time.Duration `yaml:"silence_threshold"`
	DeadThreshold    time.Duration `yaml:"dead_threshold"`
	DisplayNameMax   int           `yaml:"display_name_max"`
	BannedNames      []string      `yaml:"banned_names"`
	VerifySignatures bool          `yaml:"verify_signatures"`
	RequireSignature bool          `yaml:"require_signature"`
}

type AuthConfig struct {
	TokenSecret    string `yaml:"token_secret"`
	OperatorSecret string `yaml:"operator_secret"`
}

type RateLimitConfig struct {
	RegisterCooldown  time.Duration `yaml:"register_cooldown"`
	HeartbeatCooldown time.Duration `yaml:"heartbeat_cooldown"`
	WriteCooldown     time.Duration `yaml:"write_cooldown"`
	MaxOrigins        int           `yaml:"max_origins"`
}

type NativeAgent struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type LedgerConfig struct {
	Currency     string        `yaml:"currency"`
	BountyIssuer string        `yaml:"bounty_issuer"`
	NativeAgents []NativeAgent `yaml:"native_agents"`
}

type CallbackConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Load reads and validates config from dir, falling back to defaults when
// beacon.yml is absent.
func Load(dir string) (*Config, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure and compiles the banned-name patterns.
func (c *Config) Validate() error {
	if c.Relay.TokenTTL <= 0 {
		return fmt.Errorf("config.relay.token_ttl must be positive")
	}
	if c.Relay.SilenceThreshold <= 0 {
		return fmt.Errorf("config.relay.silence_threshold must be positive")
	}
	if c.Relay.DeadThreshold <= c.Relay.SilenceThreshold {
		return fmt.Errorf("config.relay.dead_threshold must exceed silence_threshold")
	}
	if c.Relay.DisplayNameMax <= 0 {
		return fmt.Errorf("config.relay.display_name_max must be positive")
	}
	if c.RateLimit.RegisterCooldown < 0 || c.RateLimit.HeartbeatCooldown < 0 || c.RateLimit.WriteCooldown < 0 {
		return fmt.Errorf("config.ratelimit cooldowns must not be negative")
	}
	if strings.TrimSpace(c.Ledger.Currency) == "" {
		return fmt.Errorf("config.ledger.currency is required")
	}
	seen := map[string]bool{}
	for _, a := range c.Ledger.NativeAgents {
		if !strings.HasPrefix(a.ID, "bcn_") {
			return fmt.Errorf("native agent %q must use the bcn_ prefix", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("native agent %s listed twice", a.ID)
		}
		seen[a.ID] = true
	}
	if c.Ledger.BountyIssuer != "" && !seen[c.Ledger.BountyIssuer] {
		return fmt.Errorf("config.ledger.bounty_issuer %s is not a native agent", c.Ledger.BountyIssuer)
	}
	if err := c.Reputation.Validate(); err != nil {
		return fmt.Errorf("config.reputation: %w", err)
	}
	c.proxies = c.proxies[:0]
	for _, raw := range c.Server.TrustedProxies {
		prefix, err := parseProxy(raw)
		if err != nil {
			return fmt.Errorf("config.server.trusted_proxies: %q: %w", raw, err)
		}
		c.proxies = append(c.proxies, prefix)
	}
	c.banned = c.banned[:0]
	for _, pat := range c.Relay.BannedNames {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return fmt.Errorf("config.relay.banned_names: %q: %w", pat, err)
		}
		c.banned = append(c.banned, re)
	}
	return nil
}

func parseProxy(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// TrustedProxies returns the parsed server.trusted_proxies. Empty means
// forwarded headers are ignored.
func (c *Config) TrustedProxies() []netip.Prefix {
	return c.proxies
}

// BannedName returns the pattern a display name matches, if any.
func (c *Config) BannedName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	for i, re := range c.banned {
		if re.MatchString(name) {
			return c.Relay.BannedNames[i], true
		}
	}
	return "", false
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "beacon.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8071
  base_path: /v0
  # Peers allowed to set X-Forwarded-For, e.g. 10.0.0.0/8. Empty: key on the socket address.
  trusted_proxies: []

data_dir: .beacon

relay:
  token_ttl: 24h
  silence_threshold: 15m
  dead_threshold: 1h
  display_name_max: 48
  verify_signatures: true
  require_signature: false
  # Generic model or vendor names are refused so agents pick a distinguishing identity.
  banned_names:
    - '^(claude|chatgpt|gpt|gemini|grok|llama|mistral|deepseek|qwen|copilot)$'
    - '^(claude|gpt|gemini|grok|llama|mistral)[\s_-]?[0-9][0-9a-z._ -]*$'
    - '^(ai|bot|agent|assistant|ai assistant|model|llm|test|default|unknown)$'
    - '^(anthropic|openai|google|xai|meta|microsoft)( (ai|agent|bot|assistant))?$'

auth:
  token_secret: ""
  operator_secret: ""

ratelimit:
  register_cooldown: 10s
  heartbeat_cooldown: 5s
  write_cooldown: 2s
  max_origins: 10000

reputation:
  active_initiator: 10
  active_receiver: 5
  breach_penalty: 20
  bounty_base: 15
  bounty_reward_rate: 0.1
  expired_bonus: 2

ledger:
  currency: RTC
  bounty_issuer: bcn_bounty_board
  native_agents:
    - id: bcn_bounty_board
      name: bounty-board
    - id: bcn_atlas
      name: atlas

callbacks:
  enabled: false
  interval: 5s
  timeout: 5s
`
