package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Phase is a content item's lifecycle stage. Only rest phases are persisted;
// the in-progress phases are how a claimed item is observed.
type Phase string

const (
	PhaseDiscovered Phase = "discovered"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseAnalyzed   Phase = "analyzed"
	PhaseGenerating Phase = "generating"
	PhaseGenerated  Phase = "generated"
	PhaseScheduling Phase = "scheduling"
	PhaseScheduled  Phase = "scheduled"
	PhasePosted     Phase = "posted"
	PhaseFailed     Phase = "failed"
)

// restNext maps each persisted phase to the next one along the pipeline.
var restNext = map[Phase]Phase{
	PhaseDiscovered: PhaseAnalyzed,
	PhaseAnalyzed:   PhaseGenerated,
	PhaseGenerated:  PhaseScheduled,
	PhaseScheduled:  PhasePosted,
}

// claimedAs maps a persisted phase to the phase observers see while the item
// holds a live claim.
var claimedAs = map[Phase]Phase{
	PhaseDiscovered: PhaseAnalyzing,
	PhaseAnalyzed:   PhaseGenerating,
	PhaseGenerated:  PhaseScheduling,
}

var phaseNames = map[Phase]bool{
	PhaseDiscovered: true,
	PhaseAnalyzing:  true,
	PhaseAnalyzed:   true,
	PhaseGenerating: true,
	PhaseGenerated:  true,
	PhaseScheduling: true,
	PhaseScheduled:  true,
	PhasePosted:     true,
	PhaseFailed:     true,
}

// Valid reports whether p is a known phase name.
func (p Phase) Valid() bool {
	return phaseNames[p]
}

// Rest reports whether p is a phase the store persists.
func (p Phase) Rest() bool {
	switch p {
	case PhaseAnalyzing, PhaseGenerating, PhaseScheduling:
		return false
	default:
		return p.Valid()
	}
}

// Next returns the successor rest phase, or false for terminal phases.
func (p Phase) Next() (Phase, bool) {
	next, ok := restNext[p]
	return next, ok
}

// ClaimedAs returns the phase an item in p is observed in while claimed.
func (p Phase) ClaimedAs() Phase {
	if in, ok := claimedAs[p]; ok {
		return in
	}
	return p
}

// ParsePhase validates a phase name from user or API input.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Item is the unit of work tracked through the pipeline.
type Item struct {
	ID             string
	SourceRef      string
	Phase          Phase
	Payload        map[string]any
	Attempts       map[string]int
	LastError      sql.NullString
	ErrorClass     sql.NullString
	FailedFrom     sql.NullString
	ClaimedBy      sql.NullString
	ClaimExpiresAt sql.NullTime
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Claimed reports whether the item holds a live claim at now.
func (it Item) Claimed(now time.Time) bool {
	return it.ClaimedBy.Valid && it.ClaimExpiresAt.Valid && it.ClaimExpiresAt.Time.After(now)
}

// EffectivePhase is the phase observers see: the claimed representation while
// a claim is live, the persisted phase otherwise.
func (it Item) EffectivePhase(now time.Time) Phase {
	if it.Claimed(now) {
		return it.Phase.ClaimedAs()
	}
	return it.Phase
}

// AttemptCount returns the attempts recorded against the given phase.
func (it Item) AttemptCount(phase Phase) int {
	return it.Attempts[string(phase)]
}

// PostStatus is a platform post's delivery state.
type PostStatus string

const (
	PostPending   PostStatus = "pending"
	PostConfirmed PostStatus = "confirmed"
	PostFailed    PostStatus = "failed"
)

// PlatformPost is one scheduled delivery of an item to one platform.
// A confirmed post is immutable.
type PlatformPost struct {
	ID             string
	ItemID         string
	Platform       string
	ScheduledTime  time.Time
	ExternalPostID sql.NullString
	Status         PostStatus
	LastError      sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PostLogEntry is a platform post joined with its item's source ref, used by
// the post log view.
type PostLogEntry struct {
	PlatformPost
	SourceRef string
}
