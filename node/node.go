package node

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/emotionchain/emotionchain/api"
	"github.com/emotionchain/emotionchain/biometrics"
	"github.com/emotionchain/emotionchain/communication"
	"github.com/emotionchain/emotionchain/consensus"
	"github.com/emotionchain/emotionchain/core"
	"github.com/emotionchain/emotionchain/registry"
	"github.com/emotionchain/emotionchain/signer"
	"github.com/emotionchain/emotionchain/storage"
	"github.com/emotionchain/emotionchain/utils"
)

// Options configures node assembly.
type Options struct {
	NodeID   string
	NatsURL  string // non-empty joins an external broker instead of embedding one
	NatsPort int
	APIPort  int // 0 picks the first free port from 8080
	Seed     int64
	Store    storage.Store         // nil uses a fresh in-memory store
	Metrics  prometheus.Registerer // nil uses the default registry
}

// Node assembles the consensus core with its transport, storage and API into
// one runnable process.
type Node struct {
	opts     Options
	cfg      consensus.Config
	registry *registry.Registry
	store    storage.Store
	provider biometrics.Provider
	engine   *consensus.Engine
	logger   *consensus.Logger

	workers []*worker
	subs    []*nats.Subscription
}

// worker is an in-process committee member: it answers vote requests on its
// validator subject the way a remote validator daemon would.
type worker struct {
	id     string
	signer *signer.Ed25519Signer
}

// New boots the message broker, wires the consensus core together and
// hydrates the registry from any validator states the store already holds.
func New(opts Options, cfg consensus.Config) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.NatsURL != "" {
		if err := core.ConnectNatsBroker(opts.NatsURL); err != nil {
			return nil, fmt.Errorf("failed to join message broker: %w", err)
		}
	} else if err := core.SetupNatsBroker(opts.NatsPort); err != nil {
		return nil, fmt.Errorf("failed to start message broker: %w", err)
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	reg := registry.NewRegistry()
	store := opts.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if states := store.ValidatorStates(); len(states) > 0 {
		reg.Hydrate(states)
	}
	provider := biometrics.NewSimulatedProvider(opts.Seed)
	logger := consensus.NewLogger(opts.NodeID)
	registerer := opts.Metrics
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	metrics := consensus.NewMetrics(registerer)
	transport := communication.NewNatsTransport(core.NatsBrokerInstance.Conn())
	engine := consensus.NewEngine(cfg, reg, transport, store, provider, metrics, logger)

	return &Node{
		opts:     opts,
		cfg:      cfg,
		registry: reg,
		store:    store,
		provider: provider,
		engine:   engine,
		logger:   logger,
	}, nil
}

// Engine exposes the consensus engine.
func (n *Node) Engine() *consensus.Engine { return n.engine }

// Registry exposes the validator registry.
func (n *Node) Registry() *registry.Registry { return n.registry }

// SeedValidators registers count simulated validators, each with its own
// keypair and an in-process worker answering vote requests.
func (n *Node) SeedValidators(count int, stake float64) error {
	transport := communication.NewNatsTransport(core.NatsBrokerInstance.Conn())
	for i := 0; i < count; i++ {
		s := signer.NewEd25519Signer()
		v := core.Validator{
			ID:         fmt.Sprintf("validator-%03d", i+1),
			Name:       fmt.Sprintf("Validator %d", i+1),
			PublicKey:  s.PublicKey(),
			Stake:      stake,
			Reputation: 50,
			Active:     true,
			ScoreTrend: core.TrendStable,
		}
		// A hydrated validator keeps its economic state; only the signing key
		// rotates to this process's worker.
		if prev, ok := n.registry.Get(v.ID); ok {
			prev.PublicKey = s.PublicKey()
			prev.Active = true
			v = prev
		}
		n.registry.Register(v)
		n.store.SaveValidatorState(v)

		w := &worker{id: v.ID, signer: s}
		sub, err := transport.SubscribeValidator(v.ID, func(msg core.ConsensusMessage) {
			n.handleConsensusMessage(w, msg)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", v.ID, err)
		}
		n.workers = append(n.workers, w)
		n.subs = append(n.subs, sub)
	}
	n.logger.System("Seeded %d validators with stake %.0f", count, stake)
	return nil
}

// handleConsensusMessage is the worker side of the round protocol. Only vote
// requests need a reply; the other phases are informational.
func (n *Node) handleConsensusMessage(w *worker, msg core.ConsensusMessage) {
	if msg.Kind != core.MsgVoteRequest || msg.VoteReq == nil {
		return
	}

	reading, err := n.provider.Assess(context.Background(), w.id)
	if err != nil {
		log.Printf("Worker %s: assessment failed: %v", w.id, err)
		return
	}

	vote := core.Vote{
		ValidatorID:    w.id,
		BlockHash:      msg.VoteReq.BlockHash,
		EmotionalScore: reading.EmotionalScore,
		Timestamp:      time.Now(),
		Approved:       reading.EmotionalScore >= n.cfg.EmotionalThreshold,
	}
	if !vote.Approved {
		vote.Reason = fmt.Sprintf("emotional score %.1f below threshold", reading.EmotionalScore)
	}
	sig, err := w.signer.Sign([]byte(vote.BlockHash))
	if err != nil {
		log.Printf("Worker %s: signing vote failed: %v", w.id, err)
		return
	}
	vote.Signature = sig

	if err := n.engine.SubmitVote(vote); err != nil {
		log.Printf("Worker %s: vote rejected: %v", w.id, err)
	}
}

// Start runs the epoch loop and serves the HTTP API. Blocks until the API
// server exits.
func (n *Node) Start(ctx context.Context) {
	n.engine.Start(ctx)

	port := n.opts.APIPort
	if port == 0 {
		port = utils.FindAvailableAPIPort()
	}
	router := api.NewRouter(n.engine, n.registry, n.store)
	api.Start(router, port)
}

// Stop shuts the node down in dependency order.
func (n *Node) Stop() {
	n.engine.Stop()
	for _, sub := range n.subs {
		sub.Unsubscribe()
	}
	if core.NatsBrokerInstance != nil {
		core.NatsBrokerInstance.Close()
	}
	n.logger.Close()
}
