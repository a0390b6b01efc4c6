package strategy

// Decision is a proposed next action. It is produced once per step by a
// reasoner and consumed once by the safety guard.
type Decision struct {
	Target     Strategy `json:"target_strategy"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale,omitempty"`
	UsedLLM    bool     `json:"used_llm"`
	Adapter    string   `json:"adapter,omitempty"`
	Model      string   `json:"model,omitempty"`
}
