package consensus

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/emotionchain/emotionchain/core"
)

const (
	// selectionHistoryLen bounds the rolling window used for diversity and
	// repetition scoring.
	selectionHistoryLen      = 10
	diversityWindow          = 5
	diversityBonus           = 10.0
	repetitionPenaltyPerPick = 2.0
	maxRepetitionPenalty     = 20.0

	// Candidates at or below this reputation are filtered before ranking.
	minCandidateReputation = 30.0

	// A simultaneously near-perfect score and confidence is treated as a
	// manipulation signature and filtered before ranking.
	collusionScoreBar      = 98.0
	collusionConfidenceBar = 98.0

	// Weight floor for the sampling draw so a heavily penalized candidate
	// keeps a nonzero chance.
	minSamplingWeight = 0.1
)

// Selector picks a committee of fixed size from the eligible validator set.
// Scoring is deterministic; ties and backup slots are broken by the injected
// random source so selection is reproducible in tests.
type Selector struct {
	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	history []map[string]bool // one entry per selection round, most recent last
}

// NewSelector creates a committee selector. Pass a seeded rand.Rand for
// reproducible selection; nil falls back to a time-seeded source.
func NewSelector(cfg Config, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{cfg: cfg, rng: rng}
}

// Select chooses a primary plus backups from the eligible set for the given
// epoch. The returned committee is a fresh value; prior committees are never
// mutated.
func (s *Selector) Select(eligible []core.Validator, epoch int64) (*core.Committee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(eligible) < s.cfg.CommitteeSize {
		log.Printf("Committee selection failed: %d eligible, need %d", len(eligible), s.cfg.CommitteeSize)
		return nil, ErrInsufficientValidators
	}

	candidates := s.filterCandidates(eligible)
	if len(candidates) == 0 {
		return nil, ErrNoPrimaryAvailable
	}

	type scored struct {
		v     core.Validator
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, v := range candidates {
		ranked = append(ranked, scored{v: v, score: s.selectionScore(v)})
	}

	// Primary is the highest-scoring survivor.
	best := 0
	for i := 1; i < len(ranked); i++ {
		if ranked[i].score > ranked[best].score {
			best = i
		}
	}
	primary := ranked[best]
	remainder := append(ranked[:best:best], ranked[best+1:]...)

	// Backups by score-weighted sampling without replacement, so the set is
	// not the deterministic top-K.
	backups := make([]string, 0, s.cfg.CommitteeSize-1)
	members := []core.Validator{primary.v}
	for len(backups) < s.cfg.CommitteeSize-1 && len(remainder) > 0 {
		total := 0.0
		for _, c := range remainder {
			total += math.Max(c.score, minSamplingWeight)
		}
		draw := s.rng.Float64() * total
		pick := len(remainder) - 1
		for i, c := range remainder {
			draw -= math.Max(c.score, minSamplingWeight)
			if draw <= 0 {
				pick = i
				break
			}
		}
		backups = append(backups, remainder[pick].v.ID)
		members = append(members, remainder[pick].v)
		remainder = append(remainder[:pick], remainder[pick+1:]...)
	}

	if len(backups) < s.cfg.CommitteeSize-1 {
		// The anti-collusion filter ate too many candidates.
		return nil, ErrInsufficientValidators
	}

	committee := &core.Committee{
		Epoch:      epoch,
		Primary:    primary.v.ID,
		Backups:    backups,
		SelectedAt: time.Now(),
	}
	for _, m := range members {
		committee.TotalScore += m.EmotionalScore
	}
	committee.AverageScore = committee.TotalScore / float64(len(members))
	committee.DiversityScore = committeeDiversity(members)

	s.recordSelection(committee)
	log.Printf("Selected committee for epoch %d: primary=%s, %d backups, avg score %.1f, diversity %.1f",
		epoch, committee.Primary, len(committee.Backups), committee.AverageScore, committee.DiversityScore)
	return committee, nil
}

// Reselect runs an emergency selection after a mid-round primary failure. The
// aborted round's committee is discarded; no selection state is reused beyond
// the rolling history.
func (s *Selector) Reselect(eligible []core.Validator, epoch int64) (*core.Committee, error) {
	log.Printf("Emergency committee reselection for epoch %d", epoch)
	return s.Select(eligible, epoch)
}

// filterCandidates applies the anti-collusion filter before any ranking.
func (s *Selector) filterCandidates(eligible []core.Validator) []core.Validator {
	out := make([]core.Validator, 0, len(eligible))
	for _, v := range eligible {
		if v.Reputation < minCandidateReputation {
			continue
		}
		if v.EmotionalScore >= collusionScoreBar && v.Confidence >= collusionConfidenceBar {
			log.Printf("Filtered validator %s: suspicious score/confidence pattern (%.1f/%.1f)",
				v.ID, v.EmotionalScore, v.Confidence)
			continue
		}
		out = append(out, v)
	}
	return out
}

// selectionScore computes the deterministic ranking score for one candidate.
// Caller must hold s.mu.
func (s *Selector) selectionScore(v core.Validator) float64 {
	score := v.EmotionalScore
	score += v.Reputation / 100 * 20 // reputation bonus, 0-20

	stakeWeight := math.Log10(1+v.Stake/s.cfg.MinimumStake) * 5
	score += math.Min(stakeWeight, 10)

	switch v.ScoreTrend {
	case core.TrendImproving:
		score += 5
	case core.TrendDeclining:
		score -= 5
	}

	score *= v.Confidence / 100

	if !s.selectedWithin(v.ID, diversityWindow) {
		score += diversityBonus
	}
	penalty := repetitionPenaltyPerPick * float64(s.selectionCount(v.ID, selectionHistoryLen))
	score -= math.Min(penalty, maxRepetitionPenalty)

	return score
}

func (s *Selector) selectedWithin(id string, n int) bool {
	start := len(s.history) - n
	if start < 0 {
		start = 0
	}
	for _, round := range s.history[start:] {
		if round[id] {
			return true
		}
	}
	return false
}

func (s *Selector) selectionCount(id string, n int) int {
	start := len(s.history) - n
	if start < 0 {
		start = 0
	}
	count := 0
	for _, round := range s.history[start:] {
		if round[id] {
			count++
		}
	}
	return count
}

func (s *Selector) recordSelection(c *core.Committee) {
	round := make(map[string]bool, c.Size())
	for _, id := range c.Members() {
		round[id] = true
	}
	s.history = append(s.history, round)
	if len(s.history) > selectionHistoryLen {
		s.history = s.history[len(s.history)-selectionHistoryLen:]
	}
}

// committeeDiversity blends the variance of score, reputation and stake
// across members. Each component's contribution is capped so one dimension
// cannot dominate. Reported for observability, never used to reject.
func committeeDiversity(members []core.Validator) float64 {
	if len(members) < 2 {
		return 0
	}

	scores := make([]float64, len(members))
	reps := make([]float64, len(members))
	stakes := make([]float64, len(members))
	maxStake := 0.0
	for i, m := range members {
		scores[i] = m.EmotionalScore
		reps[i] = m.Reputation
		if m.Stake > maxStake {
			maxStake = m.Stake
		}
	}
	for i, m := range members {
		if maxStake > 0 {
			stakes[i] = m.Stake / maxStake * 100
		}
	}

	capped := func(variance float64) float64 { return math.Min(variance, 100) }
	return 0.4*capped(stat.PopVariance(scores, nil)) +
		0.3*capped(stat.PopVariance(reps, nil)) +
		0.3*capped(stat.PopVariance(stakes, nil))
}
