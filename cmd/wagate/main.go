package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/wagate-dev/wagate/internal/config"
	"github.com/wagate-dev/wagate/internal/gateway"
	"github.com/wagate-dev/wagate/internal/observability"
	"github.com/wagate-dev/wagate/internal/protocol"
	"github.com/wagate-dev/wagate/internal/session"
	"github.com/wagate-dev/wagate/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to gateway config (toml)")
	flag.Parse()

	cfg, err := config.LoadGatewayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wagate: %v\n", err)
		os.Exit(1)
	}
	logger := observability.InitLogger("wagate", cfg.LogLevel)

	store, err := session.NewFootprintStore(cfg.SessionsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wagate: %v\n", err)
		os.Exit(1)
	}

	registry := session.NewRegistry()
	policy := session.NewRetryPolicy(cfg.MaxRetries, cfg.ReconnectInterval(), registry)
	dispatcher := webhook.NewDispatcher(cfg.ClientServerURL, registry)

	// The loopback transport stands in until a vendor protocol client is
	// wired behind protocol.Dialer.
	manager := session.NewManager(
		session.ManagerConfig{},
		registry,
		store,
		protocol.NewLoopbackDialer(),
		policy,
		dispatcher,
	)
	loader := session.NewLoader(manager, store)

	svc := gateway.NewService(cfg, manager, dispatcher, loader, logger)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "wagate: %v\n", err)
		os.Exit(1)
	}
}
