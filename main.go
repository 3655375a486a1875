package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configFlag := flag.String("conf", "stratum.toml", "path to configuration file")
	networkFlag := flag.String("network", "", "chain network: mainnet, testnet, signet, regtest")
	stratumFlag := flag.String("stratum", "", "stratum bind endpoints, comma separated")
	stratumPortFlag := flag.Int("stratumport", 0, "default port for -stratum endpoints")
	stratumAllowIPFlag := flag.String("stratumallowip", "", "allowed subnets, comma separated")
	shareChainFlag := flag.String("sharechain", "", "share chain selection: solo or main")
	rpcURLFlag := flag.String("rpc-url", "", "override node RPC URL")
	rpcCookieFlag := flag.String("rpc-cookie", "", "override node RPC cookie path")
	logLevelFlag := flag.String("log-level", "", "override log level (debug/info/warn/error)")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fatal("config", err)
	}
	if *networkFlag != "" {
		cfg.Network = *networkFlag
	}
	if *stratumFlag != "" {
		cfg.StratumBinds = splitListFlag(*stratumFlag)
	}
	if *stratumPortFlag > 0 {
		cfg.StratumPort = *stratumPortFlag
	}
	if *stratumAllowIPFlag != "" {
		cfg.StratumAllowIPs = splitListFlag(*stratumAllowIPFlag)
	}
	if *shareChainFlag != "" {
		cfg.ShareChain = *shareChainFlag
	}
	if *rpcURLFlag != "" {
		cfg.RPCURL = *rpcURLFlag
	}
	if *rpcCookieFlag != "" {
		cfg.RPCCookiePath = *rpcCookieFlag
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	if err := validateConfig(&cfg); err != nil {
		fatal("config", err)
	}

	if level, ok := parseLogLevel(cfg.LogLevel); ok {
		logger.setLevel(level)
	} else {
		logger.Warn("unknown log level; using info", "log_level", cfg.LogLevel)
	}

	params, err := chainParamsForNetwork(cfg.Network)
	if err != nil {
		fatal("config", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("data dir", err)
	}

	logger.Info("starting stratum server",
		"network", cfg.Network,
		"sharechain", cfg.ShareChain,
		"sha256", sha256ImplementationName(),
	)

	rpc := NewRPCClient(cfg.RPCURL, cfg.RPCUser, cfg.RPCPass, cfg.RPCCookiePath)

	mergeMine, err := newMergeMineManager(cfg.MergeMine)
	if err != nil {
		fatal("mergemine", err)
	}
	mergeMine.ReconnectToMergeMineEndpoints()

	audit, err := openAuditStore(cfg.DataDir)
	if err != nil {
		fatal("audit store", err)
	}
	notifier := newDiscordNotifier(cfg.DiscordWebhookToken, cfg.DiscordChannelID)

	server := newStratumServer(cfg, params, rpc, mergeMine)
	server.audit = audit
	server.notifier = notifier

	// Prime the node view so the first work request doesn't race the
	// watcher's first pass.
	server.refreshNodeView()

	if err := server.initStratumServer(); err != nil {
		fatal("stratum init", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server.wg.Add(1)
	go server.zmqBlockLoop(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	server.interruptStratumServer()
	server.stopStratumServer()

	notifier.Close()
	audit.Close()
	server.metrics.logSummary()
	logger.Stop()
}
