package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridmind/backend/internal/api"
	"github.com/gridmind/backend/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	demo := flag.Bool("demo", false, "serve the demo stream instead of the full supervision stack")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	if *demo {
		cfg.DemoMode = true
	}

	app, err := api.Boot(cfg)
	if err != nil {
		log.Fatalf("boot: %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Println("server stopped")
}
