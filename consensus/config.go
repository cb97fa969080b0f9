package consensus

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/emotionchain/emotionchain/utils"
)

// Config holds every tunable of the consensus core. Zero values are invalid;
// start from DefaultConfig and override.
type Config struct {
	// Epoch scheduling
	EpochDuration time.Duration
	RetryDelay    time.Duration

	// Round phase timeouts
	ProposalTimeout time.Duration
	VotingTimeout   time.Duration
	FinalityTimeout time.Duration

	// Committee
	CommitteeSize int

	// Thresholds
	ByzantineThreshold float64 // percent, e.g. 67
	EmotionalThreshold float64 // minimum score for eligibility
	MinimumStake       float64

	// Byzantine detection
	DetectionWindow    time.Duration
	QuarantineDuration time.Duration
	MaxScoreSamples    int

	// Rewards
	BaseReward            float64
	MaxEmotionalBonus     float64
	MaxConsistencyBonus   float64
	MaxParticipationBonus float64
	ReferenceStake        float64
	MaxStakeMultiplier    float64

	// Vote acceptance
	VoteFreshness time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EpochDuration:         30 * time.Second,
		RetryDelay:            5 * time.Second,
		ProposalTimeout:       5 * time.Second,
		VotingTimeout:         10 * time.Second,
		FinalityTimeout:       2 * time.Second,
		CommitteeSize:         21,
		ByzantineThreshold:    67,
		EmotionalThreshold:    75,
		MinimumStake:          1000,
		DetectionWindow:       10 * time.Minute,
		QuarantineDuration:    5 * time.Minute,
		MaxScoreSamples:       200,
		BaseReward:            10,
		MaxEmotionalBonus:     5,
		MaxConsistencyBonus:   3,
		MaxParticipationBonus: 4,
		ReferenceStake:        100000,
		MaxStakeMultiplier:    2.0,
		VoteFreshness:         60 * time.Second,
	}
}

// ValidateBasic sanity-checks the configuration.
func (c Config) ValidateBasic() error {
	if c.CommitteeSize < 1 {
		return fmt.Errorf("committee size must be at least 1, got %d", c.CommitteeSize)
	}
	if c.ByzantineThreshold <= 50 || c.ByzantineThreshold > 100 {
		return fmt.Errorf("byzantine threshold must be in (50,100], got %.1f", c.ByzantineThreshold)
	}
	if c.EmotionalThreshold < 0 || c.EmotionalThreshold > 100 {
		return fmt.Errorf("emotional threshold must be in [0,100], got %.1f", c.EmotionalThreshold)
	}
	if c.MinimumStake <= 0 {
		return fmt.Errorf("minimum stake must be positive, got %.1f", c.MinimumStake)
	}
	if c.EpochDuration <= 0 || c.ProposalTimeout <= 0 || c.VotingTimeout <= 0 || c.FinalityTimeout <= 0 {
		return fmt.Errorf("all durations must be positive")
	}
	if c.ReferenceStake <= c.MinimumStake {
		return fmt.Errorf("reference stake must exceed minimum stake")
	}
	if c.MaxStakeMultiplier < 1 {
		return fmt.Errorf("max stake multiplier must be at least 1.0, got %.2f", c.MaxStakeMultiplier)
	}
	return nil
}

// LoadConfig builds a Config from the environment, reading a .env file first
// if one is present.
func LoadConfig() (Config, error) {
	if utils.FileExists(".env") {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg := DefaultConfig()
	cfg.EpochDuration = envDuration("POE_EPOCH_DURATION", cfg.EpochDuration)
	cfg.RetryDelay = envDuration("POE_RETRY_DELAY", cfg.RetryDelay)
	cfg.ProposalTimeout = envDuration("POE_PROPOSAL_TIMEOUT", cfg.ProposalTimeout)
	cfg.VotingTimeout = envDuration("POE_VOTING_TIMEOUT", cfg.VotingTimeout)
	cfg.FinalityTimeout = envDuration("POE_FINALITY_TIMEOUT", cfg.FinalityTimeout)
	cfg.CommitteeSize = envInt("POE_COMMITTEE_SIZE", cfg.CommitteeSize)
	cfg.ByzantineThreshold = envFloat("POE_BYZANTINE_THRESHOLD", cfg.ByzantineThreshold)
	cfg.EmotionalThreshold = envFloat("POE_EMOTIONAL_THRESHOLD", cfg.EmotionalThreshold)
	cfg.MinimumStake = envFloat("POE_MINIMUM_STAKE", cfg.MinimumStake)
	cfg.DetectionWindow = envDuration("POE_DETECTION_WINDOW", cfg.DetectionWindow)
	cfg.QuarantineDuration = envDuration("POE_QUARANTINE_DURATION", cfg.QuarantineDuration)
	cfg.BaseReward = envFloat("POE_BASE_REWARD", cfg.BaseReward)
	cfg.ReferenceStake = envFloat("POE_REFERENCE_STAKE", cfg.ReferenceStake)

	if err := cfg.ValidateBasic(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if raw := os.Getenv(key); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return fallback
}
