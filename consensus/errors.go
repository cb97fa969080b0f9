package consensus

import "errors"

// Consensus errors
var (
	ErrNoEligibleValidators   = errors.New("no eligible validators")
	ErrInsufficientValidators = errors.New("insufficient validators for committee")
	ErrNoPrimaryAvailable     = errors.New("no primary candidate available")
	ErrEpochInProgress        = errors.New("epoch already in progress")
	ErrEngineStopped          = errors.New("consensus engine stopped")
	ErrRoundTimeout           = errors.New("consensus round timed out")
	ErrRoundAborted           = errors.New("consensus round aborted")
	ErrRoundNotActive         = errors.New("round is not accepting votes")
	ErrInvalidVote            = errors.New("invalid vote")
	ErrDuplicateVote          = errors.New("duplicate vote")
	ErrNotCommitteeMember     = errors.New("sender is not a committee member")
	ErrStaleVote              = errors.New("vote timestamp outside freshness window")
	ErrUnknownValidator       = errors.New("unknown validator")
)
