package model

import (
	"fmt"
	"time"
)

// Speaker identifies which side of the conversation produced a turn.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is a single utterance in a call's conversation history.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// SessionState tracks where a call is in its conversational lifecycle.
type SessionState string

const (
	StateGreeting       SessionState = "greeting"
	StateAwaitingSpeech SessionState = "awaiting-speech"
	StateProcessing     SessionState = "processing"
	StateTerminated     SessionState = "terminated"
)

// CallSession is the per-call conversation record. It is owned exclusively
// by the session store; callers receive copies, never the live value.
type CallSession struct {
	CallSID       string       `json:"call_sid"`
	From          string       `json:"from,omitempty"`
	Turns         []Turn       `json:"turns"`
	State         SessionState `json:"state"`
	RepromptCount int          `json:"reprompt_count"`
	CreatedAt     time.Time    `json:"created_at"`
	LastActivity  time.Time    `json:"last_activity"`
}

// CallStatus mirrors the provider's call status vocabulary as delivered
// on status callback webhooks.
type CallStatus string

const (
	CallInitiated  CallStatus = "initiated"
	CallQueued     CallStatus = "queued"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallBusy       CallStatus = "busy"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no-answer"
	CallCanceled   CallStatus = "canceled"
)

// IsTerminal reports whether the status ends the call leg.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallCanceled, CallFailed, CallNoAnswer, CallBusy:
		return true
	case CallInitiated, CallQueued, CallRinging, CallInProgress:
		return false
	default:
		// Unknown statuses are treated as non-terminal; the provider adds
		// vocabulary over time and a new status must not tear down state.
		return false
	}
}

// WorkflowKind selects the multi-call orchestration shape.
type WorkflowKind string

const (
	KindDeliverMessage       WorkflowKind = "deliver-message"
	KindProposalThenCallback WorkflowKind = "proposal-then-callback"
)

// WorkflowStatus tracks a workflow's progress through its provider events.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowDone      WorkflowStatus = "done"
)

// Workflow is a typed record of one multi-call orchestration, keyed by the
// SID of the outbound call that started it.
type Workflow struct {
	ID             string         `json:"id"`
	Kind           WorkflowKind   `json:"kind"`
	To             string         `json:"to"`
	Message        string         `json:"message,omitempty"`
	Script         string         `json:"script,omitempty"`
	CallbackNumber string         `json:"callback_number,omitempty"`
	Transcript     string         `json:"transcript,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	RecordingURL   string         `json:"recording_url,omitempty"`
	CallbackSID    string         `json:"callback_call_sid,omitempty"`
	Status         WorkflowStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (w *Workflow) String() string {
	return fmt.Sprintf("workflow %s (%s, status=%s)", w.ID, w.Kind, w.Status)
}
