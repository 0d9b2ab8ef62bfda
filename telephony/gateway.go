// Package telephony abstracts outbound call control behind a capability
// port so the orchestration core never talks to the provider SDK directly.
package telephony

import (
	"context"
	"fmt"
	"time"
)

// PlaceCall describes one outbound call request. TwiML carries the full
// call-control script the provider executes when the callee answers.
type PlaceCall struct {
	To                   string
	TwiML                string
	StatusCallback       string
	StatusCallbackEvents []string
	Record               bool
	Timeout              time.Duration
}

// CallInfo is the metadata subset the orchestrator cares about.
type CallInfo struct {
	SID      string        `json:"sid"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	From     string        `json:"from,omitempty"`
	To       string        `json:"to,omitempty"`
}

// Recording is one recorded media asset of a call.
type Recording struct {
	SID      string        `json:"sid"`
	MediaURL string        `json:"media_url"`
	Duration time.Duration `json:"duration"`
}

// Gateway is the call-control capability port. All operations are
// single-shot network calls; retry policy is a concern layered above this
// contract because call placement is not idempotent.
type Gateway interface {
	PlaceCall(ctx context.Context, req PlaceCall) (string, error)
	FetchCall(ctx context.Context, callSID string) (CallInfo, error)
	ListRecordings(ctx context.Context, callSID string) ([]Recording, error)
}

// ProviderError is a rejection from the telephony provider, surfaced to the
// invoking endpoint as a user-visible failure rather than retried.
type ProviderError struct {
	Code    int
	Message string
	Status  int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}
