package model

// State is a CardAsset lifecycle state.
type State string

// Lifecycle states.
const (
	StateCaptured    State = "captured"
	StateNormalized  State = "normalized"
	StateRecognized  State = "recognized"
	StateValued      State = "valued"
	StateRouted      State = "routed"
	StateListed      State = "listed"
	StateSubmitted   State = "submitted"
	StateNeedsReview State = "needs_review"
	StateArchived    State = "archived"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateCaptured,
	StateNormalized,
	StateRecognized,
	StateValued,
	StateRouted,
	StateListed,
	StateSubmitted,
	StateNeedsReview,
	StateArchived,
}

var stateRank = map[State]int{
	StateCaptured:   0,
	StateNormalized: 1,
	StateRecognized: 2,
	StateValued:     3,
	StateRouted:     4,
	StateListed:     5,
	StateSubmitted:  5,
	StateArchived:   6,
}

var forward = map[State][]State{
	StateCaptured:   {StateNormalized},
	StateNormalized: {StateRecognized},
	StateRecognized: {StateValued},
	StateValued:     {StateRouted},
	StateRouted:     {StateListed, StateSubmitted},
	StateListed:     {StateArchived},
	StateSubmitted:  {StateArchived},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s == StateNeedsReview {
		return true
	}
	_, ok := stateRank[s]
	return ok
}

// AtLeast reports whether s is at or beyond other in the forward order.
// needs_review has no rank and is never at least anything.
func (s State) AtLeast(other State) bool {
	r, ok := stateRank[s]
	if !ok {
		return false
	}
	o, ok := stateRank[other]
	if !ok {
		return false
	}
	return r >= o
}

// CanTransition reports whether from -> to is a legal edge. Any state
// before listed/submitted may be flagged for review.
func CanTransition(from, to State) bool {
	if to == StateNeedsReview {
		r, ok := stateRank[from]
		return ok && r <= stateRank[StateRouted]
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stage names a pipeline step that can flag an asset.
type Stage string

// Pipeline stages.
const (
	StageNormalize Stage = "normalize"
	StageRecognize Stage = "recognize"
	StageValue     Stage = "value"
	StageRoute     Stage = "route"
	StageList      Stage = "list"
	StageSubmit    Stage = "submit"
)

// Input is the state an asset must be in for the stage to pick it up.
func (s Stage) Input() State {
	switch s {
	case StageNormalize:
		return StateCaptured
	case StageRecognize:
		return StateNormalized
	case StageValue:
		return StateRecognized
	case StageRoute:
		return StateValued
	default:
		return StateRouted
	}
}

// Output is the state the stage moves an asset to on success.
func (s Stage) Output() State {
	switch s {
	case StageNormalize:
		return StateNormalized
	case StageRecognize:
		return StateRecognized
	case StageValue:
		return StateValued
	case StageRoute:
		return StateRouted
	case StageList:
		return StateListed
	default:
		return StateSubmitted
	}
}
