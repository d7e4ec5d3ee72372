package models

// TaskStatus defines the lifecycle states of a Task.
type TaskStatus string

const (
	// TaskStatusDraft is a task captured in CLARIFY mode that still has
	// unanswered clarification needs.
	TaskStatusDraft TaskStatus = "DRAFT"
	// TaskStatusTodo is a persisted task with no started steps.
	TaskStatusTodo TaskStatus = "TODO"
	// TaskStatusInProgress is a task with at least one started step.
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	// TaskStatusCompleted is a task whose steps are all terminal with at
	// least one completed.
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusCancelled is a soft-archived task.
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsValid checks if the task status is valid.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusDraft, TaskStatusTodo, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// StepStatus defines the lifecycle states of a MicroStep.
type StepStatus string

const (
	// StepStatusPendingClarification is a step persisted in CLARIFY mode
	// that cannot start until its clarification needs are resolved.
	StepStatusPendingClarification StepStatus = "PENDING_CLARIFICATION"
	// StepStatusTodo is the initial state of an actionable step.
	StepStatusTodo StepStatus = "TODO"
	// StepStatusInProgress is a started step.
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	// StepStatusCompleted is a finished step. Terminal.
	StepStatusCompleted StepStatus = "COMPLETED"
	// StepStatusCancelled is an abandoned step. Terminal.
	StepStatusCancelled StepStatus = "CANCELLED"
)

// IsValid checks if the step status is valid.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepStatusPendingClarification, StepStatusTodo, StepStatusInProgress,
		StepStatusCompleted, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusCancelled
}

// CanTransitionTo reports whether the step state machine permits moving
// from s to next. Terminal states permit nothing; completion is legal
// straight from TODO (the user did the step without starting it first).
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	switch s {
	case StepStatusPendingClarification:
		// Resolution flips the step to TODO; cancel is always available.
		return next == StepStatusTodo || next == StepStatusCancelled
	case StepStatusTodo:
		return next == StepStatusInProgress || next == StepStatusCompleted ||
			next == StepStatusCancelled
	case StepStatusInProgress:
		return next == StepStatusCompleted || next == StepStatusCancelled
	default:
		return false
	}
}

// Priority defines task urgency classes.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// IsValid checks if the priority is valid.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Scope is the coarse size class of a task, derived from estimated hours.
type Scope string

const (
	// ScopeSimple is a task doable in under ten minutes.
	ScopeSimple Scope = "SIMPLE"
	// ScopeMulti is a task of ten minutes to an hour.
	ScopeMulti Scope = "MULTI"
	// ScopeProject is anything longer than an hour.
	ScopeProject Scope = "PROJECT"
)

// IsValid checks if the scope is valid.
func (s Scope) IsValid() bool {
	return s == ScopeSimple || s == ScopeMulti || s == ScopeProject
}

// ScopeForEstimate derives the scope class from an estimated duration in
// hours: under 10 minutes SIMPLE, 10-60 minutes MULTI, over an hour PROJECT.
func ScopeForEstimate(hours float64) Scope {
	minutes := hours * 60
	switch {
	case minutes < 10:
		return ScopeSimple
	case minutes <= 60:
		return ScopeMulti
	default:
		return ScopeProject
	}
}

// DelegationMode defines how a step is meant to be executed.
type DelegationMode string

const (
	// DelegationDo means the user performs the step themselves.
	DelegationDo DelegationMode = "DO"
	// DelegationDoWithMe means the user performs the step with assistance.
	DelegationDoWithMe DelegationMode = "DO_WITH_ME"
	// DelegationDelegate means a registered handler performs the step.
	DelegationDelegate DelegationMode = "DELEGATE"
	// DelegationDelete marks the step as not worth doing.
	DelegationDelete DelegationMode = "DELETE"
)

// IsValid checks if the delegation mode is valid.
func (m DelegationMode) IsValid() bool {
	switch m {
	case DelegationDo, DelegationDoWithMe, DelegationDelegate, DelegationDelete:
		return true
	default:
		return false
	}
}

// LeafType defines the execution semantics of a leaf step.
type LeafType string

const (
	// LeafDigital is an automatable step carrying an automation plan.
	LeafDigital LeafType = "DIGITAL"
	// LeafHuman is a step the user must act on.
	LeafHuman LeafType = "HUMAN"
	// LeafUnknown is a step blocked on clarification.
	LeafUnknown LeafType = "UNKNOWN"
)

// IsValid checks if the leaf type is valid.
func (t LeafType) IsValid() bool {
	return t == LeafDigital || t == LeafHuman || t == LeafUnknown
}

// CaptureMode controls persistence behavior of a capture call.
type CaptureMode string

const (
	// CaptureModeAuto persists the plan unconditionally.
	CaptureModeAuto CaptureMode = "AUTO"
	// CaptureModeManual persists the plan and leaves execution to the user.
	CaptureModeManual CaptureMode = "MANUAL"
	// CaptureModeClarify holds the plan in draft while clarification needs
	// are open.
	CaptureModeClarify CaptureMode = "CLARIFY"
)

// IsValid checks if the capture mode is valid.
func (m CaptureMode) IsValid() bool {
	return m == CaptureModeAuto || m == CaptureModeManual || m == CaptureModeClarify
}
