// Package strategy defines the closed set of extraction strategies the
// supervisor can route between, and the routing decision that selects one.
package strategy

import (
	"fmt"
	"strings"
)

// Strategy identifies an extraction strategy.
type Strategy string

const (
	// None is the zero value: no strategy has been selected yet.
	None Strategy = ""

	// Direct applies stored selectors to the page (UC1).
	Direct Strategy = "UC1_DIRECT"

	// Repair asks two models to fix broken selectors, with a human
	// resolving disagreements on required fields (UC2).
	Repair Strategy = "UC2_REPAIR"

	// Discovery asks two models to derive selectors for an unknown site (UC3).
	Discovery Strategy = "UC3_DISCOVERY"

	// Terminate ends the run without further extraction attempts.
	Terminate Strategy = "TERMINATE"
)

// Executable lists the strategies that have executors, cheapest first.
var Executable = []Strategy{Direct, Repair, Discovery}

// All returns every routable strategy.
func All() []Strategy {
	return []Strategy{Direct, Repair, Discovery, Terminate}
}

// Valid reports whether s is one of the routable strategies.
func (s Strategy) Valid() bool {
	switch s {
	case Direct, Repair, Discovery, Terminate:
		return true
	default:
		return false
	}
}

// Cost orders strategies by expense. Terminate costs nothing.
func (s Strategy) Cost() int {
	switch s {
	case Direct:
		return 1
	case Repair:
		return 2
	case Discovery:
		return 3
	default:
		return 0
	}
}

// IsExecutable reports whether s dispatches to an executor.
func (s Strategy) IsExecutable() bool {
	return s == Direct || s == Repair || s == Discovery
}

// Short returns the UC label used in logs and metrics.
func (s Strategy) Short() string {
	switch s {
	case Direct:
		return "uc1"
	case Repair:
		return "uc2"
	case Discovery:
		return "uc3"
	case Terminate:
		return "terminate"
	default:
		return "none"
	}
}

func (s Strategy) String() string {
	if s == None {
		return "NONE"
	}
	return string(s)
}

// Parse accepts canonical names, UC labels and plain words
// ("direct", "repair", "discovery", "terminate"), case-insensitively.
func Parse(value string) (Strategy, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, "-", "_")
	switch v {
	case "UC1_DIRECT", "UC1", "DIRECT":
		return Direct, nil
	case "UC2_REPAIR", "UC2", "REPAIR":
		return Repair, nil
	case "UC3_DISCOVERY", "UC3", "DISCOVERY":
		return Discovery, nil
	case "TERMINATE", "STOP":
		return Terminate, nil
	}
	return None, fmt.Errorf("unknown strategy %q", value)
}
