package models

import "fmt"

// FileState is the lifecycle state of a monitored file.
type FileState string

const (
	StateUnregistered   FileState = "UNREGISTERED"
	StateRegistering    FileState = "REGISTERING"
	StateAnchored       FileState = "ANCHORED"
	StateAnchorFailed   FileState = "ANCHOR_FAILED"
	StateChangeDetected FileState = "CHANGE_DETECTED"
	StateVerifying      FileState = "VERIFYING"
	StateAlerted        FileState = "ALERTED"
	StateReconciled     FileState = "RECONCILED"
)

// allowedTransitions lists every legal edge of the per-file state machine.
// Any edge not listed here is rejected by CanTransition.
var allowedTransitions = map[FileState][]FileState{
	StateUnregistered:   {StateRegistering},
	StateRegistering:    {StateAnchored, StateAnchorFailed},
	StateAnchored:       {StateChangeDetected, StateRegistering},
	StateAnchorFailed:   {StateRegistering, StateChangeDetected},
	StateChangeDetected: {StateVerifying, StateAnchored, StateAnchorFailed},
	StateVerifying:      {StateAlerted, StateReconciled, StateChangeDetected},
	StateAlerted:        {StateRegistering},
	StateReconciled:     {StateAnchored, StateRegistering},
}

// CanTransition reports whether moving from one state to another is a legal edge.
// Staying in the same state is always allowed.
func CanTransition(from, to FileState) bool {
	if from == to {
		return from.IsValid()
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is one of the known states.
func (s FileState) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// ParseFileState converts a stored string back into a FileState.
func ParseFileState(raw string) (FileState, error) {
	s := FileState(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: unknown file state %q", ErrInvalidInput, raw)
	}
	return s, nil
}

func (s FileState) String() string {
	return string(s)
}
