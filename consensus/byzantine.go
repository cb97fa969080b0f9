package consensus

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/emotionchain/emotionchain/communication"
	"github.com/emotionchain/emotionchain/core"
)

const (
	// Detection thresholds
	quarantineThreshold = 90.0
	suspiciousThreshold = 50.0
	scoreJumpLimit      = 30.0
	correlationLimit    = 0.95
	agreementRateLimit  = 0.9
	minSharedBlocks     = 5
	minSeriesLen        = 10

	// Unnaturally flat score series: variance below this with a mean above
	// flatSeriesMean looks scripted, not biometric.
	flatSeriesVariance = 2.0
	flatSeriesMean     = 90.0
)

var severityMultipliers = map[core.EvidenceSeverity]float64{
	core.SeverityLow:      0.5,
	core.SeverityMedium:   1.0,
	core.SeverityHigh:     2.0,
	core.SeverityCritical: 3.0,
}

type voteRecord struct {
	RoundID   string
	BlockHash string
	Approved  bool
	At        time.Time
}

type proposalRecord struct {
	Height    int64
	BlockHash string
	At        time.Time
}

type scoreSample struct {
	Score float64
	At    time.Time
}

// Detector accumulates per-validator behavior history, derives suspicion
// scores from the evidence, and quarantines validators that cross the
// threshold. Suspicion is always recomputable from the evidence list; there
// is no hidden state.
type Detector struct {
	mu  sync.Mutex
	cfg Config

	votes      map[string][]voteRecord
	proposals  map[string][]proposalRecord
	scores     map[string][]scoreSample
	detections map[string]*core.ByzantineDetection

	// seenEvidence dedupes repeated findings across analysis passes,
	// keyed validator|kind|qualifier, pruned alongside evidence.
	seenEvidence map[string]time.Time

	releaseTimers map[string]*time.Timer

	logger *Logger
	emit   EmitFunc
}

// NewDetector creates a Byzantine detector.
func NewDetector(cfg Config, logger *Logger) *Detector {
	return &Detector{
		cfg:           cfg,
		votes:         make(map[string][]voteRecord),
		proposals:     make(map[string][]proposalRecord),
		scores:        make(map[string][]scoreSample),
		detections:    make(map[string]*core.ByzantineDetection),
		seenEvidence:  make(map[string]time.Time),
		releaseTimers: make(map[string]*time.Timer),
		logger:        logger,
		emit:          communication.BroadcastEvent,
	}
}

// Stop cancels all pending quarantine-release timers.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.releaseTimers {
		t.Stop()
		delete(d.releaseTimers, id)
	}
}

// RecordVote appends a vote to the validator's history. Synthesized timeout
// votes are skipped; a non-response is not evidence of equivocation.
func (d *Detector) RecordVote(roundID string, v core.Vote) {
	if v.Reason == core.VoteReasonTimeout {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.votes[v.ValidatorID] = append(d.votes[v.ValidatorID], voteRecord{
		RoundID:   roundID,
		BlockHash: v.BlockHash,
		Approved:  v.Approved,
		At:        time.Now(),
	})
}

// RecordProposal appends a block proposal to the proposer's history.
func (d *Detector) RecordProposal(validatorID string, height int64, blockHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proposals[validatorID] = append(d.proposals[validatorID], proposalRecord{
		Height:    height,
		BlockHash: blockHash,
		At:        time.Now(),
	})
}

// RecordScore appends an emotional score sample for manipulation analysis.
func (d *Detector) RecordScore(validatorID string, score float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	samples := append(d.scores[validatorID], scoreSample{Score: score, At: time.Now()})
	if len(samples) > d.cfg.MaxScoreSamples {
		samples = samples[len(samples)-d.cfg.MaxScoreSamples:]
	}
	d.scores[validatorID] = samples
}

// AnalyzeValidator runs every detection source against one validator,
// recomputes its suspicion score and updates its status. The returned record
// is a copy.
func (d *Detector) AnalyzeValidator(id string) core.ByzantineDetection {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(time.Now())
	d.analyzeLocked(id)
	return *d.detections[id]
}

// AnalyzeAll runs a detection pass over every validator with recorded
// history and returns the updated records.
func (d *Detector) AnalyzeAll() []core.ByzantineDetection {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(time.Now())

	ids := make(map[string]bool)
	for id := range d.votes {
		ids[id] = true
	}
	for id := range d.proposals {
		ids[id] = true
	}
	for id := range d.scores {
		ids[id] = true
	}

	out := make([]core.ByzantineDetection, 0, len(ids))
	for id := range ids {
		d.analyzeLocked(id)
		out = append(out, *d.detections[id])
	}
	return out
}

// IsQuarantined reports whether the validator is currently excluded from
// committee eligibility.
func (d *Detector) IsQuarantined(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	det, ok := d.detections[id]
	return ok && det.Status == core.StatusQuarantined
}

// QuarantinedIDs returns the currently quarantined validators.
func (d *Detector) QuarantinedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for id, det := range d.detections {
		if det.Status == core.StatusQuarantined {
			out = append(out, id)
		}
	}
	return out
}

// Detection returns a copy of a validator's live detection record.
func (d *Detector) Detection(id string) (core.ByzantineDetection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	det, ok := d.detections[id]
	if !ok {
		return core.ByzantineDetection{}, false
	}
	return *det, true
}

// AssessNetworkHealth computes the Byzantine risk across the validator set.
// The network is healthy while risk stays below 100 minus the Byzantine
// threshold.
func (d *Detector) AssessNetworkHealth(totalValidators int) (risk float64, healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if totalValidators == 0 {
		return 0, true
	}
	quarantined, suspicious := 0, 0
	for _, det := range d.detections {
		switch det.Status {
		case core.StatusQuarantined:
			quarantined++
		case core.StatusSuspicious:
			suspicious++
		}
	}
	risk = (float64(quarantined) + 0.5*float64(suspicious)) / float64(totalValidators) * 100
	return risk, risk < 100-d.cfg.ByzantineThreshold
}

// analyzeLocked runs all detection sources for one validator and applies the
// resulting state transition. Caller must hold d.mu.
func (d *Detector) analyzeLocked(id string) {
	det, ok := d.detections[id]
	if !ok {
		det = &core.ByzantineDetection{ValidatorID: id, Status: core.StatusMonitoring}
		d.detections[id] = det
	}

	d.checkDoubleVoting(det)
	d.checkConflictingProposals(det)
	d.checkScoreManipulation(det)
	d.checkCollusion(det)

	det.SuspicionScore = suspicionScore(det.Evidence)

	switch det.Status {
	case core.StatusQuarantined, core.StatusSlashed:
		// Quarantine ends on the release timer, not on re-analysis.
	default:
		switch {
		case det.SuspicionScore > quarantineThreshold:
			d.quarantineLocked(det)
		case det.SuspicionScore > suspiciousThreshold:
			det.Status = core.StatusSuspicious
		default:
			det.Status = core.StatusMonitoring
		}
	}
}

func (d *Detector) addEvidence(det *core.ByzantineDetection, kind core.EvidenceKind, severity core.EvidenceSeverity, confidence float64, qualifier string, details interface{}) {
	key := det.ValidatorID + "|" + string(kind) + "|" + qualifier
	if _, ok := d.seenEvidence[key]; ok {
		return
	}
	d.seenEvidence[key] = time.Now()

	var payload json.RawMessage
	if details != nil {
		payload, _ = json.Marshal(details)
	}
	ev := core.ByzantineEvidence{
		ID:          uuid.NewString(),
		ValidatorID: det.ValidatorID,
		Kind:        kind,
		Severity:    severity,
		Details:     payload,
		Confidence:  confidence,
		Timestamp:   time.Now(),
	}
	det.Evidence = append(det.Evidence, ev)

	d.logger.Byzantine(det.ValidatorID, "Evidence recorded: %s (%s, confidence %.0f)", kind, severity, confidence)
	go d.emit(communication.EventByzantineDetected, ev)
}

func (d *Detector) checkDoubleVoting(det *core.ByzantineDetection) {
	votes := d.votes[det.ValidatorID]

	// Multiple votes inside a single round.
	byRound := make(map[string][]voteRecord)
	for _, v := range votes {
		byRound[v.RoundID] = append(byRound[v.RoundID], v)
	}
	for roundID, rv := range byRound {
		if len(rv) > 1 {
			d.addEvidence(det, core.EvidenceDoubleVoting, core.SeverityCritical, 95, "round:"+roundID,
				map[string]interface{}{"round_id": roundID, "votes": len(rv)})
		}
	}

	// Conflicting historical votes for the same block inside the window.
	byBlock := make(map[string][]voteRecord)
	for _, v := range votes {
		byBlock[v.BlockHash] = append(byBlock[v.BlockHash], v)
	}
	for hash, bv := range byBlock {
		approved, rejected := false, false
		for _, v := range bv {
			if v.Approved {
				approved = true
			} else {
				rejected = true
			}
		}
		if approved && rejected {
			d.addEvidence(det, core.EvidenceDoubleVoting, core.SeverityHigh, 85, "block:"+hash,
				map[string]interface{}{"block_hash": hash})
		}
	}
}

func (d *Detector) checkConflictingProposals(det *core.ByzantineDetection) {
	byHeight := make(map[int64]map[string]bool)
	for _, p := range d.proposals[det.ValidatorID] {
		if byHeight[p.Height] == nil {
			byHeight[p.Height] = make(map[string]bool)
		}
		byHeight[p.Height][p.BlockHash] = true
	}
	for height, hashes := range byHeight {
		if len(hashes) > 1 {
			d.addEvidence(det, core.EvidenceConflictingProposal, core.SeverityCritical, 95,
				fmt.Sprintf("height:%d", height),
				map[string]interface{}{"height": height, "distinct_hashes": len(hashes)})
		}
	}
}

func (d *Detector) checkScoreManipulation(det *core.ByzantineDetection) {
	samples := d.scores[det.ValidatorID]

	// Physiologically impossible jump between consecutive samples.
	for i := 1; i < len(samples); i++ {
		jump := math.Abs(samples[i].Score - samples[i-1].Score)
		if jump > scoreJumpLimit {
			d.addEvidence(det, core.EvidenceScoreManipulation, core.SeverityHigh, 90,
				fmt.Sprintf("jump:%d", samples[i].At.UnixNano()),
				map[string]interface{}{"from": samples[i-1].Score, "to": samples[i].Score, "jump": jump})
		}
	}

	if len(samples) < minSeriesLen {
		return
	}
	series := scoreSeries(samples)

	// Scripted-looking series: flat and implausibly high.
	if stat.PopVariance(series, nil) < flatSeriesVariance && stat.Mean(series, nil) > flatSeriesMean {
		d.addEvidence(det, core.EvidenceScoreManipulation, core.SeverityMedium, 70, "flat",
			map[string]interface{}{"variance": stat.PopVariance(series, nil), "mean": stat.Mean(series, nil)})
	}

	// Near-perfect correlation with another validator's series.
	for otherID, otherSamples := range d.scores {
		if otherID == det.ValidatorID || len(otherSamples) < minSeriesLen {
			continue
		}
		other := scoreSeries(otherSamples)
		n := len(series)
		if len(other) < n {
			n = len(other)
		}
		a, b := series[len(series)-n:], other[len(other)-n:]
		r := stat.Correlation(a, b, nil)
		if !math.IsNaN(r) && math.Abs(r) > correlationLimit {
			d.addEvidence(det, core.EvidenceScoreManipulation, core.SeverityHigh, 80, "corr:"+otherID,
				map[string]interface{}{"peer": otherID, "correlation": r})
		}
	}
}

func (d *Detector) checkCollusion(det *core.ByzantineDetection) {
	mine := make(map[string]bool) // block hash -> approved
	for _, v := range d.votes[det.ValidatorID] {
		mine[v.BlockHash] = v.Approved
	}

	for otherID, otherVotes := range d.votes {
		if otherID == det.ValidatorID {
			continue
		}
		shared, agreed := 0, 0
		for _, ov := range otherVotes {
			approved, ok := mine[ov.BlockHash]
			if !ok {
				continue
			}
			shared++
			if approved == ov.Approved {
				agreed++
			}
		}
		if shared >= minSharedBlocks && float64(agreed)/float64(shared) > agreementRateLimit {
			d.addEvidence(det, core.EvidenceCollusion, core.SeverityHigh, 75, "peer:"+otherID,
				map[string]interface{}{"peer": otherID, "shared_blocks": shared, "agreement": float64(agreed) / float64(shared)})
		}
	}
}

// quarantineLocked excludes the validator from committee eligibility for the
// configured duration and arms the release timer. Caller must hold d.mu.
func (d *Detector) quarantineLocked(det *core.ByzantineDetection) {
	det.Status = core.StatusQuarantined
	det.QuarantinedAt = time.Now()

	id := det.ValidatorID
	d.releaseTimers[id] = time.AfterFunc(d.cfg.QuarantineDuration, func() {
		d.release(id)
	})

	d.logger.Byzantine(id, "Quarantined for %s (suspicion %.1f)", d.cfg.QuarantineDuration, det.SuspicionScore)
	go d.emit(communication.EventValidatorQuarantined, map[string]interface{}{
		"validator_id":    id,
		"suspicion_score": det.SuspicionScore,
		"until":           det.QuarantinedAt.Add(d.cfg.QuarantineDuration),
	})
}

// release returns a quarantined validator to monitoring with its suspicion
// score halved. Quarantine is never silently permanent.
func (d *Detector) release(id string) {
	d.mu.Lock()
	det, ok := d.detections[id]
	if !ok || det.Status != core.StatusQuarantined {
		d.mu.Unlock()
		return
	}
	det.Status = core.StatusMonitoring
	det.SuspicionScore /= 2
	det.QuarantinedAt = time.Time{}
	delete(d.releaseTimers, id)
	score := det.SuspicionScore
	d.mu.Unlock()

	d.logger.Byzantine(id, "Released from quarantine, suspicion now %.1f", score)
	d.emit(communication.EventValidatorReleased, map[string]interface{}{
		"validator_id":    id,
		"suspicion_score": score,
	})
}

// pruneLocked drops history outside the rolling windows. Caller must hold d.mu.
func (d *Detector) pruneLocked(now time.Time) {
	voteCutoff := now.Add(-d.cfg.DetectionWindow)
	for id, votes := range d.votes {
		d.votes[id] = pruneVotes(votes, voteCutoff)
		if len(d.votes[id]) == 0 {
			delete(d.votes, id)
		}
	}
	for id, props := range d.proposals {
		kept := props[:0]
		for _, p := range props {
			if p.At.After(voteCutoff) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(d.proposals, id)
		} else {
			d.proposals[id] = kept
		}
	}

	scoreCutoff := now.Add(-5 * d.cfg.DetectionWindow)
	for id, samples := range d.scores {
		kept := samples[:0]
		for _, s := range samples {
			if s.At.After(scoreCutoff) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(d.scores, id)
		} else {
			d.scores[id] = kept
		}
	}

	evidenceCutoff := now.Add(-2 * d.cfg.DetectionWindow)
	for _, det := range d.detections {
		kept := det.Evidence[:0]
		for _, ev := range det.Evidence {
			if ev.Timestamp.After(evidenceCutoff) {
				kept = append(kept, ev)
			}
		}
		det.Evidence = kept
	}
	for key, at := range d.seenEvidence {
		if !at.After(evidenceCutoff) {
			delete(d.seenEvidence, key)
		}
	}
}

func pruneVotes(votes []voteRecord, cutoff time.Time) []voteRecord {
	kept := votes[:0]
	for _, v := range votes {
		if v.At.After(cutoff) {
			kept = append(kept, v)
		}
	}
	return kept
}

func scoreSeries(samples []scoreSample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Score
	}
	return out
}

// suspicionScore is the confidence-weighted, severity-weighted mean over the
// evidence list, clamped to [0,100]. Zero evidence means zero suspicion.
func suspicionScore(evidence []core.ByzantineEvidence) float64 {
	if len(evidence) == 0 {
		return 0
	}
	sum := 0.0
	for _, ev := range evidence {
		sum += ev.Confidence * severityMultipliers[ev.Severity]
	}
	score := sum / float64(len(evidence))
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}
