package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/emotionchain/emotionchain/consensus"
	"github.com/emotionchain/emotionchain/node"
)

func main() {
	nodeID := flag.String("node-id", "poe-node-1", "node identifier used in logs")
	natsURL := flag.String("nats-url", "", "external NATS broker URL (empty embeds a broker)")
	natsPort := flag.Int("nats-port", 4222, "port for the embedded NATS broker")
	apiPort := flag.Int("api-port", 0, "API port (0 picks the first free port from 8080)")
	validators := flag.Int("validators", 25, "number of simulated validators to seed")
	stake := flag.Float64("stake", 5000, "stake per seeded validator")
	flag.Parse()

	cfg, err := consensus.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	n, err := node.New(node.Options{
		NodeID:   *nodeID,
		NatsURL:  *natsURL,
		NatsPort: *natsPort,
		APIPort:  *apiPort,
	}, cfg)
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	if err := n.SeedValidators(*validators, *stake); err != nil {
		log.Fatalf("Failed to seed validators: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down")
		cancel()
		n.Stop()
		os.Exit(0)
	}()

	n.Start(ctx)
}
