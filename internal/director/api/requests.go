package api

// LoadRunbookRequest asks the director to parse a runbook file.
type LoadRunbookRequest struct {
	Path string `json:"path" binding:"required"`
}

// CancelRequest stops the current execution.
type CancelRequest struct {
	Force bool `json:"force"`
}

// ResolveEscalationRequest carries the human decision for an escalation.
type ResolveEscalationRequest struct {
	Decision string `json:"decision" binding:"required,oneof=grant deny"`
}
