package event

// Payload shapes, one struct per Type, matching spec section 6 exactly.

type WorkflowCreatedAttributes struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
	Steps []string       `json:"steps"`
}

type StepScheduledAttributes struct {
	Step    string `json:"step"`
	Attempt int    `json:"attempt"`
}

type StepStartedAttributes struct {
	Step     string `json:"step"`
	LeaseID  string `json:"lease_id"`
	WorkerID string `json:"worker_id"`
}

type StepCompletedAttributes struct {
	Step       string `json:"step"`
	Result     any    `json:"result,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type StepFailedAttributes struct {
	Step      string `json:"step"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type WorkflowCompletedAttributes struct {
	Output any `json:"output,omitempty"`
}

type WorkflowFailedAttributes struct {
	Reason    string `json:"reason"`
	FinalStep string `json:"final_step,omitempty"`
}

type WorkflowCancelledAttributes struct{}
