package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/emotionchain/emotionchain/core"
)

// Store persists the chain produced by consensus. Implementations must be
// safe for concurrent use.
type Store interface {
	SaveBlock(block core.Block) error
	BlockByHeight(height int64) (core.Block, bool)
	BlockByHash(hash string) (core.Block, bool)
	LatestBlock() (core.Block, bool)
	Height() int64

	SaveRoundResult(result core.RoundResult)
	RecentRoundResults(limit int) []core.RoundResult

	SaveRewards(epoch int64, rewards []core.RewardMetrics)
	RewardsForEpoch(epoch int64) []core.RewardMetrics

	SaveValidatorState(v core.Validator)
	ValidatorStates() []core.Validator
	UpdateValidatorBalance(id string, balance float64) error
	DeleteValidatorState(id string)

	TransactionByHash(hash string) (core.Transaction, bool)
}

// MemoryStore keeps the chain in process memory. It is the default backend
// for single-node deployments and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	blocks     []core.Block
	byHash     map[string]int
	txs        map[string]core.Transaction
	results    []core.RoundResult
	rewards    map[int64][]core.RewardMetrics
	validators map[string]core.Validator
	maxKept    int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash:     make(map[string]int),
		txs:        make(map[string]core.Transaction),
		rewards:    make(map[int64][]core.RewardMetrics),
		validators: make(map[string]core.Validator),
		maxKept:    1000,
	}
}

// SaveBlock appends a block and indexes its transactions. Heights must be
// contiguous.
func (s *MemoryStore) SaveBlock(block core.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := int64(len(s.blocks)) + 1
	if block.Height != expected {
		return fmt.Errorf("non-contiguous block height %d, expected %d", block.Height, expected)
	}
	s.byHash[block.Hash()] = len(s.blocks)
	s.blocks = append(s.blocks, block)
	for _, tx := range block.Txs {
		s.txs[tx.Hash] = tx
	}
	return nil
}

func (s *MemoryStore) BlockByHeight(height int64) (core.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if height < 1 || height > int64(len(s.blocks)) {
		return core.Block{}, false
	}
	return s.blocks[height-1], true
}

func (s *MemoryStore) BlockByHash(hash string) (core.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byHash[hash]
	if !ok {
		return core.Block{}, false
	}
	return s.blocks[idx], true
}

func (s *MemoryStore) LatestBlock() (core.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return core.Block{}, false
	}
	return s.blocks[len(s.blocks)-1], true
}

func (s *MemoryStore) Height() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.blocks))
}

// SaveRoundResult records a round outcome, keeping a bounded history.
func (s *MemoryStore) SaveRoundResult(result core.RoundResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	if len(s.results) > s.maxKept {
		s.results = s.results[len(s.results)-s.maxKept:]
	}
}

// RecentRoundResults returns up to limit results, newest last.
func (s *MemoryStore) RecentRoundResults(limit int) []core.RoundResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.results) {
		limit = len(s.results)
	}
	out := make([]core.RoundResult, limit)
	copy(out, s.results[len(s.results)-limit:])
	return out
}

func (s *MemoryStore) SaveRewards(epoch int64, rewards []core.RewardMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]core.RewardMetrics, len(rewards))
	copy(kept, rewards)
	s.rewards[epoch] = kept
}

func (s *MemoryStore) RewardsForEpoch(epoch int64) []core.RewardMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kept := s.rewards[epoch]
	out := make([]core.RewardMetrics, len(kept))
	copy(out, kept)
	return out
}

// SaveValidatorState records the durable snapshot of one validator.
func (s *MemoryStore) SaveValidatorState(v core.Validator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[v.ID] = v
}

// ValidatorStates returns all persisted validator snapshots, ordered by id.
func (s *MemoryStore) ValidatorStates() []core.Validator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Validator, 0, len(s.validators))
	for _, v := range s.validators {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateValidatorBalance writes a validator's new balance through to its
// persisted snapshot.
func (s *MemoryStore) UpdateValidatorBalance(id string, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[id]
	if !ok {
		return fmt.Errorf("no persisted state for validator %s", id)
	}
	v.Balance = balance
	s.validators[id] = v
	return nil
}

// DeleteValidatorState drops a validator's persisted snapshot.
func (s *MemoryStore) DeleteValidatorState(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.validators, id)
}

// TransactionByHash looks up a transaction included in any persisted block.
func (s *MemoryStore) TransactionByHash(hash string) (core.Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[hash]
	return tx, ok
}
