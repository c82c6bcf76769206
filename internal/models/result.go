package models

// RegistrationResult is the outcome of one registration attempt.
type RegistrationResult struct {
	Success   bool     `json:"success"`
	NodeID    string   `json:"node_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Error     string   `json:"error,omitempty"`
	Warning   string   `json:"warning,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`

	// Err is the classified cause of a failure, for callers that branch with errors.Is.
	Err error `json:"-"`
}
