package supervisor

import (
	"errors"

	"github.com/zen-systems/selfheal/pkg/guard"
)

// ErrorKind classifies why a step failed or a run ended FAILED.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindLowConfidence         ErrorKind = "low_confidence"
	KindRoutingLoop           ErrorKind = "routing_loop"
	KindIllegalTransition     ErrorKind = "illegal_transition"
	KindExecutorFailure       ErrorKind = "executor_failure"
	KindConsensusDisagreement ErrorKind = "consensus_disagreement"
	KindRetryExhausted        ErrorKind = "retry_exhausted"
	KindHistoryExhausted      ErrorKind = "history_exhausted"
	KindCancelled             ErrorKind = "cancelled"
	KindTerminated            ErrorKind = "terminated"
)

// Fatal reports whether the kind always ends a run.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindRetryExhausted, KindHistoryExhausted, KindCancelled, KindTerminated:
		return true
	}
	return false
}

// Describe returns the short human-readable cause for a kind.
func (k ErrorKind) Describe() string {
	switch k {
	case KindLowConfidence:
		return "model was unconfident"
	case KindRoutingLoop:
		return "loop detected"
	case KindIllegalTransition:
		return "illegal transition"
	case KindExecutorFailure:
		return "executor failed"
	case KindConsensusDisagreement:
		return "proposals disagree"
	case KindRetryExhausted:
		return "exhausted retries"
	case KindHistoryExhausted:
		return "exhausted history"
	case KindCancelled:
		return "cancelled"
	case KindTerminated:
		return "router terminated run"
	}
	return string(k)
}

func kindForVeto(k guard.Kind) ErrorKind {
	switch k {
	case guard.KindLowConfidence:
		return KindLowConfidence
	case guard.KindRoutingLoop:
		return KindRoutingLoop
	case guard.KindIllegalTransition:
		return KindIllegalTransition
	}
	return KindExecutorFailure
}

var (
	// ErrStateSealed is returned when a terminal state is mutated.
	ErrStateSealed = errors.New("supervisor state is terminal")

	ErrEmptyURL        = errors.New("url is required")
	ErrMissingReasoner = errors.New("reasoner is required")
)
