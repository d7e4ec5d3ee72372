package api

import "github.com/stepflow-ai/stepflow/pkg/models"

// CaptureUtteranceRequest is the HTTP request body for POST /capture.
type CaptureUtteranceRequest struct {
	UserID         string             `json:"user_id" binding:"required"`
	Text           string             `json:"text" binding:"required"`
	Mode           models.CaptureMode `json:"mode,omitempty"`
	VoiceInput     bool               `json:"voice_input,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// CompleteStepRequest is the HTTP request body for POST /steps/:id/complete.
type CompleteStepRequest struct {
	ActualMinutes *int `json:"actual_minutes,omitempty" binding:"omitempty,min=0"`
}

// CancelStepRequest is the HTTP request body for POST /steps/:id/cancel.
type CancelStepRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResolveStepRequest answers one clarification need on a step.
type ResolveStepRequest struct {
	Field  string `json:"field" binding:"required"`
	Answer string `json:"answer" binding:"required"`
}
