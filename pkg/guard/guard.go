// Package guard vetoes unsafe routing decisions before the supervisor acts
// on them. Every check is a pure function of its arguments.
package guard

import (
	"errors"
	"fmt"
	"math"

	"github.com/zen-systems/selfheal/pkg/strategy"
)

// Kind classifies a veto.
type Kind string

const (
	KindLowConfidence     Kind = "low_confidence"
	KindRoutingLoop       Kind = "routing_loop"
	KindIllegalTransition Kind = "illegal_transition"
)

var (
	ErrLowConfidence     = errors.New("low confidence")
	ErrRoutingLoop       = errors.New("routing loop")
	ErrIllegalTransition = errors.New("illegal transition")
)

// Veto is returned by a failed check.
type Veto struct {
	Kind   Kind              `json:"kind"`
	Target strategy.Strategy `json:"target"`
	From   strategy.Strategy `json:"from,omitempty"`
	Reason string            `json:"reason"`
}

func (v *Veto) Error() string {
	if v == nil {
		return "veto"
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Reason)
}

// Is lets callers match a veto against the package sentinels.
func (v *Veto) Is(target error) bool {
	if v == nil {
		return false
	}
	switch v.Kind {
	case KindLowConfidence:
		return target == ErrLowConfidence
	case KindRoutingLoop:
		return target == ErrRoutingLoop
	case KindIllegalTransition:
		return target == ErrIllegalTransition
	}
	return false
}

// AsVeto unwraps err into a *Veto.
func AsVeto(err error) (*Veto, bool) {
	var v *Veto
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// CheckConfidence rejects decisions below threshold. NaN and values
// outside [0,1] are treated as unconfident.
func CheckConfidence(confidence, threshold float64, target strategy.Strategy) error {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return &Veto{
			Kind:   KindLowConfidence,
			Target: target,
			Reason: fmt.Sprintf("model was unconfident: confidence %v is outside [0,1]", confidence),
		}
	}
	if confidence < threshold {
		return &Veto{
			Kind:   KindLowConfidence,
			Target: target,
			Reason: fmt.Sprintf("model was unconfident: confidence %.2f below threshold %.2f", confidence, threshold),
		}
	}
	return nil
}

// CheckLoop rejects proposed when the last window entries of history are
// all equal to it. Only immediate repetition counts: A,B,A,B,A is not a
// loop. A window of zero or less disables the check.
func CheckLoop(history []strategy.Strategy, proposed strategy.Strategy, window int) error {
	if window <= 0 || len(history) < window {
		return nil
	}
	for _, s := range history[len(history)-window:] {
		if s != proposed {
			return nil
		}
	}
	return &Veto{
		Kind:   KindRoutingLoop,
		Target: proposed,
		From:   history[len(history)-1],
		Reason: fmt.Sprintf("loop detected: %s already selected %d consecutive times", proposed, window),
	}
}

// CheckTransition rejects pairs missing from table. A zero current means
// the run has not dispatched anything yet.
func CheckTransition(table TransitionTable, current, target strategy.Strategy) error {
	if table.Allows(current, target) {
		return nil
	}
	return &Veto{
		Kind:   KindIllegalTransition,
		Target: target,
		From:   current,
		Reason: fmt.Sprintf("illegal transition %s -> %s", current, target),
	}
}
