// Command fwlite runs the forward HTTP/1.1 proxy: N listener ports, each
// carrying a policy level, a shared request/CONNECT engine, and an admin
// API on the loopback-reachable self-addressed path.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fwlite/fwlite/internal/adminapi"
	"github.com/fwlite/fwlite/internal/config"
	"github.com/fwlite/fwlite/internal/engine"
	"github.com/fwlite/fwlite/internal/fwlog"
	"github.com/fwlite/fwlite/internal/listener"
	"github.com/fwlite/fwlite/internal/policy"
	"github.com/fwlite/fwlite/internal/ruleset"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath   string
	basePort     int
	profileCount int
	jsonLogs     bool
	debug        bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.IntVar(&f.basePort, "base-port", 0, "Override the first listener port")
	flag.IntVar(&f.profileCount, "profiles", 0, "Override the number of listener ports/policy levels")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Force JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("fwlite: loading config: %w", err)
	}
	config.ApplyFlagOverrides(cfg, flags.basePort, flags.profileCount, flags.jsonLogs, flags.debug)

	log := fwlog.Configure(fwlog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	rules, err := ruleset.NewStore(cfg.RuleListPath, log)
	if err != nil {
		return fmt.Errorf("fwlite: loading rule list: %w", err)
	}
	defer rules.Close()

	resolver := policy.New(rules)
	dns := policy.DNS{}

	ports := make([]int, cfg.ProfileCount)
	listenerPorts := make(map[int]bool, cfg.ProfileCount)
	profiles := make([]listener.Profile, cfg.ProfileCount)
	for i := 0; i < cfg.ProfileCount; i++ {
		p := cfg.BasePort + i
		ports[i] = p
		listenerPorts[p] = true
		profiles[i] = listener.Profile{Port: p, Level: i}
	}

	registry := prometheus.NewRegistry()
	metrics := adminapi.NewMetrics(registry)

	// admin stays a nil http.Handler (not a typed-nil *adminapi.Handler)
	// when disabled, so engine's `e.Admin == nil` check behaves correctly.
	var admin http.Handler
	if cfg.AdminEnabled {
		admin = &adminapi.Handler{
			Rules:    rules,
			Parents:  resolver,
			Toggles:  &adminapi.Toggles{GFWList: true, AutoUpdate: true},
			Ports:    ports,
			Registry: registry,
		}
	}

	eng := engine.New(engine.Config{
		PoolDepth:     cfg.PoolDepth,
		RetryCeiling:  cfg.RetryCeiling,
		BaseTimeout:   cfg.BaseTimeout,
		MaxTimeout:    cfg.MaxTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		Stage0Factor:  cfg.ConnectStage0,
		MaxRetries:    cfg.MaxRetries,
		AdminRemote:   cfg.AdminRemoteAPI,
		ListenerPorts: listenerPorts,
	}, resolver, dns, admin, log)
	eng.Metrics = metrics

	srv := &listener.Server{Engine: eng, Profiles: profiles, Log: log}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RuleListURL != "" {
		updater := ruleset.NewUpdater()
		go updater.Run(ctx, log, cfg.RuleListURL, cfg.RuleListPath)
	}

	log.Info("fwlite starting", "base_port", cfg.BasePort, "profiles", cfg.ProfileCount)
	err = srv.ListenAndServe(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
