package api

import (
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emotionchain/emotionchain/api/handlers"
	"github.com/emotionchain/emotionchain/consensus"
	"github.com/emotionchain/emotionchain/registry"
	"github.com/emotionchain/emotionchain/storage"
)

// NewRouter builds the HTTP API for one node.
func NewRouter(engine *consensus.Engine, reg *registry.Registry, store storage.Store) *gin.Engine {
	h := handlers.NewHandler(engine, reg, store)

	router := gin.Default()

	router.GET("/health", h.GetHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", h.HandleWebSocket)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/state", h.GetState)
		v1.GET("/validators", h.ListValidators)
		v1.POST("/validators", h.RegisterValidator)
		v1.GET("/validators/:id", h.GetValidator)
		v1.DELETE("/validators/:id", h.RemoveValidator)
		v1.PUT("/validators/:id/status", h.SetValidatorStatus)
		v1.POST("/transactions", h.SubmitTransaction)
		v1.GET("/transactions/:hash", h.GetTransaction)
		v1.POST("/votes", h.SubmitVote)
		v1.GET("/blocks", h.GetBlocks)
		v1.GET("/blocks/:height", h.GetBlock)
		v1.GET("/rounds", h.GetRounds)
		v1.GET("/rewards/:epoch", h.GetRewards)
		v1.GET("/detections", h.GetDetections)
	}

	return router
}

// Start runs the API server on the given port. Blocks until the server exits.
func Start(router *gin.Engine, port int) {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("API server listening on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("API server failed: %v", err)
	}
}
