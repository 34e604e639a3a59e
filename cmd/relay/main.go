package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/app"
)

func main() {
	cfg, err := app.LoadRelayConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.IntVar(&cfg.MaxPlayers, "max-players", cfg.MaxPlayers, "largest room allowed")
	flag.StringVar(&cfg.Telemetry.Profile, "profile", cfg.Telemetry.Profile, "cpu, mem, allocs, block, mutex or trace")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunRelay(ctx, cfg, app.RelayOptions{}); err != nil {
		log.Fatalf("%v", err)
	}
}
