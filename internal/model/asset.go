package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Side identifies one face of a physical card.
type Side string

// Side values.
const (
	SideFront Side = "front"
	SideBack  Side = "back"
)

// Code returns the single-letter tag used in image file names.
func (s Side) Code() string {
	if s == SideBack {
		return "B"
	}
	return "F"
}

// SideFromCode maps a file-name tag (F or B, any case) to a Side.
func SideFromCode(code string) (Side, bool) {
	switch strings.ToUpper(code) {
	case "F":
		return SideFront, true
	case "B":
		return SideBack, true
	default:
		return "", false
	}
}

// Identity is the immutable key of a captured card: a day number plus a
// day-scoped sequence.
type Identity struct {
	Day int `json:"day"`
	Seq int `json:"seq"`
}

// String formats the identity as {day}_{seq:04d}.
func (id Identity) String() string {
	return fmt.Sprintf("%d_%04d", id.Day, id.Seq)
}

// Tag formats the per-side identity {day}_{seq:04d}_{F|B}.
func (id Identity) Tag(side Side) string {
	return id.String() + "_" + side.Code()
}

// FileName returns the image source file name for one side.
func (id Identity) FileName(side Side) string {
	return id.Tag(side) + ".jpg"
}

// ParseIdentity parses a {day}_{seq} key.
func ParseIdentity(s string) (Identity, error) {
	day, seq, ok := strings.Cut(s, "_")
	if !ok {
		return Identity{}, eris.Errorf("model: malformed identity %q", s)
	}
	d, err := strconv.Atoi(day)
	if err != nil || d <= 0 {
		return Identity{}, eris.Errorf("model: malformed identity day %q", s)
	}
	n, err := strconv.Atoi(seq)
	if err != nil || n < 0 {
		return Identity{}, eris.Errorf("model: malformed identity sequence %q", s)
	}
	return Identity{Day: d, Seq: n}, nil
}

// ImageRef points at the raw capture and, once normalized, the canonical image.
type ImageRef struct {
	Path      string `json:"path"`
	Canonical string `json:"canonical,omitempty"`
}

// Sides holds exactly one front and one back image reference.
type Sides struct {
	Front ImageRef `json:"front"`
	Back  ImageRef `json:"back"`
}

// Get returns the reference for a side.
func (s Sides) Get(side Side) ImageRef {
	if side == SideBack {
		return s.Back
	}
	return s.Front
}

// Set replaces the reference for a side.
func (s *Sides) Set(side Side, ref ImageRef) {
	if side == SideBack {
		s.Back = ref
		return
	}
	s.Front = ref
}

// Complete reports whether both raw images are present.
func (s Sides) Complete() bool {
	return s.Front.Path != "" && s.Back.Path != ""
}

// Normalized reports whether both canonical images are present.
func (s Sides) Normalized() bool {
	return s.Front.Canonical != "" && s.Back.Canonical != ""
}

// HistoryEntry is one append-only state transition record.
type HistoryEntry struct {
	ID     string    `json:"id"`
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Review describes why an asset was flagged and where it re-enters.
type Review struct {
	Stage     Stage     `json:"stage"`
	Kind      ErrorKind `json:"kind"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flagged_at"`
}

// CardAsset is one physical card under processing.
type CardAsset struct {
	Identity       string          `json:"identity"`
	Day            int             `json:"day"`
	Seq            int             `json:"seq"`
	Sides          Sides           `json:"sides"`
	EstimatedGrade int             `json:"estimated_grade"`
	Recognized     *RecognizedCard `json:"recognized_card,omitempty"`
	Confidence     float64         `json:"recognition_confidence"`
	Valuation      *Valuation      `json:"valuation,omitempty"`
	State          State           `json:"state"`
	Review         *Review         `json:"review,omitempty"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	History        []HistoryEntry  `json:"history"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewCardAsset creates a captured asset for the given identity.
func NewCardAsset(id Identity, grade int, at time.Time) *CardAsset {
	at = at.UTC()
	return &CardAsset{
		Identity:       id.String(),
		Day:            id.Day,
		Seq:            id.Seq,
		EstimatedGrade: grade,
		State:          StateCaptured,
		History: []HistoryEntry{{
			ID:     uuid.New().String(),
			To:     StateCaptured,
			Reason: "captured",
			At:     at,
		}},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing ledger state.
func (a *CardAsset) Clone() *CardAsset {
	c := *a
	if a.Recognized != nil {
		rc := *a.Recognized
		if a.Recognized.Sources != nil {
			rc.Sources = make(map[string]string, len(a.Recognized.Sources))
			for k, v := range a.Recognized.Sources {
				rc.Sources[k] = v
			}
		}
		c.Recognized = &rc
	}
	if a.Valuation != nil {
		v := a.Valuation.clone()
		c.Valuation = &v
	}
	if a.Review != nil {
		r := *a.Review
		c.Review = &r
	}
	c.History = append([]HistoryEntry(nil), a.History...)
	return &c
}

// Transition moves the asset along a forward edge of the lifecycle and
// appends a history entry.
func (a *CardAsset) Transition(to State, reason string, at time.Time) error {
	if !CanTransition(a.State, to) {
		return eris.Errorf("model: %s: illegal transition %s -> %s", a.Identity, a.State, to)
	}
	a.record(to, reason, at)
	return nil
}

// Flag moves the asset to needs_review, recording which stage flagged it.
func (a *CardAsset) Flag(stage Stage, kind ErrorKind, reason string, at time.Time) error {
	if !CanTransition(a.State, StateNeedsReview) {
		return eris.Errorf("model: %s: cannot flag asset in state %s", a.Identity, a.State)
	}
	a.Review = &Review{Stage: stage, Kind: kind, Reason: reason, FlaggedAt: at.UTC()}
	a.record(StateNeedsReview, fmt.Sprintf("%s: %s", stage, reason), at)
	return nil
}

// Reenter returns a needs_review asset to the pipeline. The target may be
// any state up to the flagged stage's output; the output itself is only
// reachable when the operator supplied that stage's result by hand.
func (a *CardAsset) Reenter(to State, reason string, at time.Time) error {
	if a.State != StateNeedsReview || a.Review == nil {
		return eris.Errorf("model: %s: not under review", a.Identity)
	}
	r, ok := stateRank[to]
	if !ok || r > stateRank[a.Review.Stage.Output()] {
		return eris.Errorf("model: %s: cannot re-enter at %s after %s review", a.Identity, to, a.Review.Stage)
	}
	a.Review = nil
	a.record(to, reason, at)
	return nil
}

func (a *CardAsset) record(to State, reason string, at time.Time) {
	at = at.UTC()
	a.History = append(a.History, HistoryEntry{
		ID:     uuid.New().String(),
		From:   a.State,
		To:     to,
		Reason: reason,
		At:     at,
	})
	a.State = to
	a.UpdatedAt = at
}

// EffectiveState is the state used for invariant checks; assets under
// review count as sitting at their re-entry state.
func (a *CardAsset) EffectiveState() State {
	if a.State == StateNeedsReview && a.Review != nil {
		return a.Review.Stage.Input()
	}
	return a.State
}

// Validate checks the asset's structural invariants.
func (a *CardAsset) Validate() error {
	if a.Identity == "" {
		return eris.New("model: asset has no identity")
	}
	if a.EstimatedGrade < 1 || a.EstimatedGrade > 10 {
		return eris.Errorf("model: %s: estimated grade %d out of range", a.Identity, a.EstimatedGrade)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return eris.Errorf("model: %s: confidence %.3f out of range", a.Identity, a.Confidence)
	}
	if a.State == StateNeedsReview && a.Review == nil {
		return eris.Errorf("model: %s: needs_review without review details", a.Identity)
	}
	valued := a.EffectiveState().AtLeast(StateValued)
	hasDisposition := a.Valuation != nil && a.Valuation.Disposition != ""
	if valued != hasDisposition {
		return eris.Errorf("model: %s: disposition present=%t in state %s", a.Identity, hasDisposition, a.State)
	}
	if a.EffectiveState().AtLeast(StateNormalized) && !a.Sides.Normalized() {
		return eris.Errorf("model: %s: state %s without both canonical images", a.Identity, a.State)
	}
	if a.EffectiveState().AtLeast(StateRecognized) && a.Recognized == nil {
		return eris.Errorf("model: %s: state %s without recognized card", a.Identity, a.State)
	}
	return nil
}
