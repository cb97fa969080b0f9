package handlers

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/emotionchain/emotionchain/communication"
	"github.com/emotionchain/emotionchain/consensus"
	"github.com/emotionchain/emotionchain/core"
	"github.com/emotionchain/emotionchain/registry"
	"github.com/emotionchain/emotionchain/storage"
)

// Handler bundles the dependencies the HTTP endpoints need.
type Handler struct {
	Engine   *consensus.Engine
	Registry *registry.Registry
	Store    storage.Store
}

// NewHandler creates the endpoint handler set.
func NewHandler(engine *consensus.Engine, reg *registry.Registry, store storage.Store) *Handler {
	return &Handler{Engine: engine, Registry: reg, Store: store}
}

// GetHealth reports liveness plus the current Byzantine risk assessment.
func (h *Handler) GetHealth(c *gin.Context) {
	risk, healthy := h.Engine.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"byzantine_risk":  risk,
		"network_healthy": healthy,
	})
}

// GetState returns a snapshot of the consensus core.
func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.State())
}

// ListValidators returns all registered validators.
func (h *Handler) ListValidators(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"validators": h.Registry.All()})
}

// GetValidator returns one validator with its detection record, if any.
func (h *Handler) GetValidator(c *gin.Context) {
	id := c.Param("id")
	v, ok := h.Registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "validator not found"})
		return
	}
	resp := gin.H{"validator": v}
	if det, ok := h.Engine.Detector().Detection(id); ok {
		resp["detection"] = det
	}
	c.JSON(http.StatusOK, resp)
}

type registerValidatorRequest struct {
	Name      string  `json:"name" binding:"required"`
	Stake     float64 `json:"stake" binding:"required"`
	PublicKey string  `json:"public_key"`
}

// RegisterValidator adds a validator to the registry. New validators start
// inactive for consensus until their first assessment lands.
func (h *Handler) RegisterValidator(c *gin.Context) {
	var req registerValidatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var pubKey []byte
	if req.PublicKey != "" {
		raw, err := hex.DecodeString(req.PublicKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "public_key must be hex encoded"})
			return
		}
		pubKey = raw
	}

	v := core.Validator{
		ID:         uuid.NewString(),
		Name:       req.Name,
		PublicKey:  pubKey,
		Stake:      req.Stake,
		Reputation: 50,
		Active:     true,
		ScoreTrend: core.TrendStable,
	}
	h.Registry.Register(v)
	h.Store.SaveValidatorState(v)
	communication.BroadcastEvent(communication.EventValidatorRegistered, v)

	c.JSON(http.StatusCreated, gin.H{"validator": v})
}

// RemoveValidator drops a validator from the registry and its persisted state.
func (h *Handler) RemoveValidator(c *gin.Context) {
	id := c.Param("id")
	if !h.Registry.Remove(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "validator not found"})
		return
	}
	h.Store.DeleteValidatorState(id)
	communication.BroadcastEvent(communication.EventValidatorRemoved, gin.H{"validator_id": id})
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

type setValidatorStatusRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetValidatorStatus activates or deactivates a validator for consensus.
func (h *Handler) SetValidatorStatus(c *gin.Context) {
	id := c.Param("id")
	var req setValidatorStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.Registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "validator not found"})
		return
	}
	h.Registry.SetActive(id, *req.Active)
	v, _ := h.Registry.Get(id)
	h.Store.SaveValidatorState(v)
	c.JSON(http.StatusOK, gin.H{"validator": v})
}

type submitTransactionRequest struct {
	From    string `json:"from" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// SubmitTransaction queues a transaction for the next block.
func (h *Handler) SubmitTransaction(c *gin.Context) {
	var req submitTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx := core.Transaction{
		Hash:      uuid.NewString(),
		From:      req.From,
		Content:   req.Content,
		Timestamp: time.Now(),
	}
	h.Engine.AddTransaction(tx)
	c.JSON(http.StatusAccepted, gin.H{"tx_hash": tx.Hash})
}

// GetTransaction looks up a transaction included in a finalized block.
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, ok := h.Store.TransactionByHash(c.Param("hash"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// SubmitVote accepts a committee member's vote for the active round.
func (h *Handler) SubmitVote(c *gin.Context) {
	var vote core.Vote
	if err := c.ShouldBindJSON(&vote); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if vote.Timestamp.IsZero() {
		vote.Timestamp = time.Now()
	}
	if err := h.Engine.SubmitVote(vote); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// GetBlocks returns the most recent blocks, newest last.
func (h *Handler) GetBlocks(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	height := h.Store.Height()
	start := height - int64(limit) + 1
	if start < 1 {
		start = 1
	}
	blocks := make([]core.Block, 0, limit)
	for i := start; i <= height; i++ {
		if b, ok := h.Store.BlockByHeight(i); ok {
			blocks = append(blocks, b)
		}
	}
	c.JSON(http.StatusOK, gin.H{"height": height, "blocks": blocks})
}

// GetBlock returns one block by height.
func (h *Handler) GetBlock(c *gin.Context) {
	height, err := strconv.ParseInt(c.Param("height"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid height"})
		return
	}
	b, ok := h.Store.BlockByHeight(height)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": b})
}

// GetRounds returns recent round results.
func (h *Handler) GetRounds(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"rounds": h.Store.RecentRoundResults(limit)})
}

// GetRewards returns the payout receipts for one epoch.
func (h *Handler) GetRewards(c *gin.Context) {
	epoch, err := strconv.ParseInt(c.Param("epoch"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid epoch"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"epoch": epoch, "rewards": h.Store.RewardsForEpoch(epoch)})
}

// GetDetections returns the detector's current view of every tracked validator.
func (h *Handler) GetDetections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"detections": h.Engine.Detector().AnalyzeAll()})
}
