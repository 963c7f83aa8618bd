package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/flowledger-labs/flowledger/config"
	"github.com/flowledger-labs/flowledger/node"
)

func main() {
	envPath := flag.String("env", ".env", "path to .env file")
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Error loading .env file from %s: %v", *envPath, err)
	}

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Error loading config from %s: %v", *configPath, err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	cfg.FromEnv()
	if cfg.DataDir == "" {
		log.Fatal("DATA_DIR is not set")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	log.Printf("INFO: node started with %d shard(s), data dir %s", cfg.InitialShards, cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Print("INFO: shutting down")
	n.Stop()
}
