package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/pelletier/go-toml"
)

// MergeMineChainConfig names one upstream auxiliary chain endpoint.
type MergeMineChainConfig struct {
	Name     string `toml:"name"`
	ChainID  string `toml:"chain_id"`
	Endpoint string `toml:"endpoint"`
	Default  bool   `toml:"default"`
}

type Config struct {
	Network string

	StratumBinds    []string
	StratumPort     int
	StratumAllowIPs []string
	ShareChain      string // solo | main

	RPCURL        string
	RPCUser       string
	RPCPass       string
	RPCCookiePath string
	ZMQBlockAddr  string

	// Whether solo block production without peers is acceptable, as on
	// regtest.
	MineBlocksOnDemand bool

	DataDir  string
	LogLevel string

	DiscordWebhookToken string
	DiscordChannelID    string

	MergeMine []MergeMineChainConfig

	// Test seams; nil in production, where the node RPC serves both roles.
	templateFetcher func() (*GetBlockTemplateResult, error)
	blockSubmitter  func(*wire.MsgBlock) error
}

func (c Config) mergeMineEnabled() bool {
	return len(c.MergeMine) > 0
}

// configFile is the on-disk TOML shape.
type configFile struct {
	Network string `toml:"network"`

	Stratum struct {
		Bind       []string `toml:"bind"`
		Port       int      `toml:"port"`
		AllowIPs   []string `toml:"allow_ips"`
		ShareChain string   `toml:"sharechain"`
	} `toml:"stratum"`

	Node struct {
		RPCURL        string `toml:"rpc_url"`
		RPCUser       string `toml:"rpc_user"`
		RPCPass       string `toml:"rpc_pass"`
		RPCCookiePath string `toml:"rpc_cookie_path"`
		ZMQBlockAddr  string `toml:"zmq_block_addr"`
	} `toml:"node"`

	Discord struct {
		WebhookToken string `toml:"webhook_token"`
		ChannelID    string `toml:"channel_id"`
	} `toml:"discord"`

	MergeMine struct {
		Chain []MergeMineChainConfig `toml:"chain"`
	} `toml:"mergemine"`

	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Network:     "mainnet",
		StratumPort: 9332,
		ShareChain:  "solo",
		RPCURL:      "http://127.0.0.1:8332",
		DataDir:     "data",
		LogLevel:    "info",
	}
}

// loadConfig reads the optional TOML file and applies it over the
// defaults. A missing file is fine; a malformed one is not.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var file configFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if file.Network != "" {
		cfg.Network = file.Network
	}
	if len(file.Stratum.Bind) > 0 {
		cfg.StratumBinds = file.Stratum.Bind
	}
	if file.Stratum.Port > 0 {
		cfg.StratumPort = file.Stratum.Port
	}
	if len(file.Stratum.AllowIPs) > 0 {
		cfg.StratumAllowIPs = file.Stratum.AllowIPs
	}
	if file.Stratum.ShareChain != "" {
		cfg.ShareChain = file.Stratum.ShareChain
	}
	if file.Node.RPCURL != "" {
		cfg.RPCURL = file.Node.RPCURL
	}
	cfg.RPCUser = file.Node.RPCUser
	cfg.RPCPass = file.Node.RPCPass
	cfg.RPCCookiePath = file.Node.RPCCookiePath
	cfg.ZMQBlockAddr = file.Node.ZMQBlockAddr
	cfg.DiscordWebhookToken = file.Discord.WebhookToken
	cfg.DiscordChannelID = file.Discord.ChannelID
	cfg.MergeMine = file.MergeMine.Chain
	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	return cfg, nil
}

// splitListFlag turns a comma-separated flag value into entries.
func splitListFlag(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func chainParamsForNetwork(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.ShareChain {
	case "solo", "main":
	default:
		return fmt.Errorf("invalid -sharechain %q (want solo or main)", cfg.ShareChain)
	}
	if cfg.StratumPort <= 0 || cfg.StratumPort > 65535 {
		return fmt.Errorf("invalid stratum port %d", cfg.StratumPort)
	}
	for _, cc := range cfg.MergeMine {
		if _, err := parseUInt256(cc.ChainID, "chain_id"); err != nil {
			return fmt.Errorf("mergemine chain %q: %w", cc.Name, err)
		}
	}
	if strings.EqualFold(cfg.Network, "regtest") {
		cfg.MineBlocksOnDemand = true
	}
	return nil
}
