// Package workflow chains multi-call orchestrations driven by provider
// webhooks: deliver a spoken message, or call a business with a proposal
// and call the owner back with a summary of how it went.
package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/axiomvoice/axiom/model"
	"github.com/axiomvoice/axiom/store"
	"github.com/axiomvoice/axiom/telephony"
)

const (
	// provisionalSummary is spoken to the owner when the completed status
	// arrives before the transcription does; the provider guarantees no
	// ordering between the two.
	provisionalSummary = "Your proposal call is complete. The summary isn't ready yet, " +
		"but the conversation was recorded and will be kept on file."

	closingText = "Thank you for your time. Goodbye."

	// notReachedText is spoken to the owner when the proposal call ended
	// without the business answering (failed, busy, no-answer).
	notReachedText = "I wasn't able to complete your proposal call. " +
		"The business could not be reached."

	// proposalRecordSeconds bounds how long the business side is recorded
	// after the script is read.
	proposalRecordSeconds = "120"
)

// Summarizer produces a one-shot spoken summary of a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Archiver persists finished workflows. Best effort; failures are logged.
type Archiver interface {
	SaveWorkflow(wf model.Workflow) error
}

// Orchestrator owns workflow records and reacts to provider callbacks.
type Orchestrator struct {
	workflows  *store.Workflows
	gateway    telephony.Gateway
	summarizer Summarizer
	archiver   Archiver
	baseURL    string
	voice      string
	logger     *zap.Logger
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithArchiver enables durable archiving of finished workflows.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithVoice sets the text-to-speech voice for outbound calls.
func WithVoice(v string) Option {
	return func(o *Orchestrator) { o.voice = v }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates a workflow orchestrator. baseURL is this
// service's public address, used for status and transcription callbacks.
func NewOrchestrator(workflows *store.Workflows, gateway telephony.Gateway, summarizer Summarizer, baseURL string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		workflows:  workflows,
		gateway:    gateway,
		summarizer: summarizer,
		baseURL:    strings.TrimRight(baseURL, "/"),
		voice:      "Polly.Joanna",
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartDeliverMessage places an outbound call that speaks the message and
// hangs up. No follow-up call is scheduled.
func (o *Orchestrator) StartDeliverMessage(ctx context.Context, to, message string) (string, error) {
	doc, err := o.render(
		&twiml.VoiceSay{Message: message, Voice: o.voice},
		&twiml.VoiceHangup{},
	)
	if err != nil {
		return "", err
	}

	sid, err := o.gateway.PlaceCall(ctx, telephony.PlaceCall{
		To:                   to,
		TwiML:                doc,
		StatusCallback:       o.baseURL + "/status_callback",
		StatusCallbackEvents: []string{"completed"},
	})
	if err != nil {
		return "", err
	}

	o.workflows.Put(model.Workflow{
		ID:      sid,
		Kind:    model.KindDeliverMessage,
		To:      to,
		Message: message,
	})
	o.logger.Info("deliver-message workflow started",
		zap.String("workflow_id", sid), zap.String("to", to))
	return sid, nil
}

// StartProposal places a recorded, transcribed outbound call to the
// business and registers the owner's number for the follow-up call.
func (o *Orchestrator) StartProposal(ctx context.Context, businessNumber, script, ownerNumber string) (string, error) {
	doc, err := o.render(
		&twiml.VoiceSay{Message: script, Voice: o.voice},
		&twiml.VoiceRecord{
			MaxLength:          proposalRecordSeconds,
			PlayBeep:           "false",
			Transcribe:         "true",
			TranscribeCallback: o.baseURL + "/transcription_ready",
		},
		&twiml.VoiceSay{Message: closingText, Voice: o.voice},
		&twiml.VoiceHangup{},
	)
	if err != nil {
		return "", err
	}

	sid, err := o.gateway.PlaceCall(ctx, telephony.PlaceCall{
		To:                   businessNumber,
		TwiML:                doc,
		Record:               true,
		StatusCallback:       o.baseURL + "/status_callback",
		StatusCallbackEvents: []string{"completed"},
	})
	if err != nil {
		return "", err
	}

	o.workflows.Put(model.Workflow{
		ID:             sid,
		Kind:           model.KindProposalThenCallback,
		To:             businessNumber,
		Script:         script,
		CallbackNumber: ownerNumber,
	})
	o.logger.Info("proposal workflow started",
		zap.String("workflow_id", sid), zap.String("business", businessNumber))
	return sid, nil
}

// HandleTranscription stores the transcript and generates the summary. Safe
// to arrive before or after the completed status event; the stored summary
// only depends on the transcript.
func (o *Orchestrator) HandleTranscription(ctx context.Context, callSID, text, recordingURL string) {
	if recordingURL == "" {
		recordingURL = o.lookupRecording(ctx, callSID)
	}
	wf, err := o.workflows.Update(callSID, func(w *model.Workflow) {
		w.Transcript = text
		if recordingURL != "" {
			w.RecordingURL = recordingURL
		}
	})
	if err != nil {
		o.logger.Debug("transcription for unknown workflow", zap.String("call_sid", callSID))
		return
	}

	if wf.Summary == "" {
		summary, err := o.summarizer.Summarize(ctx, text)
		if err != nil {
			// Degrades to the provisional-message path; the webhook is
			// still acknowledged upstream.
			o.logger.Warn("summarization failed",
				zap.String("workflow_id", callSID), zap.Error(err))
		} else {
			if wf, err = o.workflows.Update(callSID, func(w *model.Workflow) {
				w.Summary = summary
			}); err != nil {
				return
			}
			o.logger.Info("summary stored", zap.String("workflow_id", callSID))
		}
	}

	// If the completed status won the race the owner already heard the
	// provisional message; the record is now complete and can be retired.
	if wf.Status == model.WorkflowDone {
		o.finalize(callSID, false)
	}
}

// HandleStatus reacts to a call status event. Returns false when the SID
// does not belong to any workflow so the caller can route it elsewhere.
func (o *Orchestrator) HandleStatus(ctx context.Context, callSID string, status model.CallStatus) bool {
	if _, ok := o.workflows.Get(callSID); !ok {
		return false
	}
	if !status.IsTerminal() {
		return true
	}

	// Only the event that performs the pending -> completed transition
	// drives the follow-up; duplicate callbacks are no-ops.
	var transitioned bool
	var summary, owner string
	wf, err := o.workflows.Update(callSID, func(w *model.Workflow) {
		if w.Status != model.WorkflowPending {
			return
		}
		w.Status = model.WorkflowCompleted
		transitioned = true
		summary = w.Summary
		owner = w.CallbackNumber
	})
	if err != nil {
		return false
	}
	if !transitioned {
		return true
	}

	switch {
	case wf.Kind == model.KindProposalThenCallback && status == model.CallCompleted:
		o.placeOwnerCallback(ctx, callSID, owner, summary)
	case wf.Kind == model.KindProposalThenCallback:
		// The business never answered; there is no conversation to
		// summarize and no transcription will arrive.
		o.placeFailureCallback(ctx, callSID, owner, status)
	case wf.Kind == model.KindDeliverMessage:
		if status != model.CallCompleted {
			o.logger.Warn("message delivery did not complete",
				zap.String("workflow_id", callSID), zap.String("status", string(status)))
		}
		if _, err := o.workflows.Update(callSID, func(w *model.Workflow) {
			w.Status = model.WorkflowDone
		}); err == nil {
			o.finalize(callSID, false)
		}
	}
	return true
}

// lookupRecording asks the provider for the call's recordings when the
// transcription webhook arrived without a URL.
func (o *Orchestrator) lookupRecording(ctx context.Context, callSID string) string {
	recs, err := o.gateway.ListRecordings(ctx, callSID)
	if err != nil {
		o.logger.Warn("recording lookup failed", zap.String("call_sid", callSID), zap.Error(err))
		return ""
	}
	if len(recs) == 0 {
		return ""
	}
	return recs[0].MediaURL
}

// placeOwnerCallback calls the owner back with the summary, or the
// provisional message if transcription hasn't landed yet.
func (o *Orchestrator) placeOwnerCallback(ctx context.Context, workflowID, owner, summary string) {
	content := summary
	if content == "" {
		content = provisionalSummary
	}

	doc, err := o.render(
		&twiml.VoiceSay{Message: content, Voice: o.voice},
		&twiml.VoiceHangup{},
	)
	if err != nil {
		o.logger.Error("callback markup failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}

	callbackSID, err := o.gateway.PlaceCall(ctx, telephony.PlaceCall{
		To:    owner,
		TwiML: doc,
	})
	if err != nil {
		// Leave the workflow in place; a later duplicate status event
		// cannot retry (transition already consumed) but the record and
		// summary survive for inspection.
		o.logger.Error("owner callback failed",
			zap.String("workflow_id", workflowID), zap.String("owner", owner), zap.Error(err))
		return
	}

	wf, err := o.workflows.Update(workflowID, func(w *model.Workflow) {
		w.CallbackSID = callbackSID
		w.Status = model.WorkflowDone
	})
	if err != nil {
		return
	}
	o.logger.Info("owner callback placed",
		zap.String("workflow_id", workflowID), zap.String("callback_sid", callbackSID))
	o.finalize(workflowID, wf.Transcript == "")
}

// placeFailureCallback tells the owner the business could not be reached.
func (o *Orchestrator) placeFailureCallback(ctx context.Context, workflowID, owner string, status model.CallStatus) {
	o.logger.Info("proposal call did not complete",
		zap.String("workflow_id", workflowID), zap.String("status", string(status)))

	doc, err := o.render(
		&twiml.VoiceSay{Message: notReachedText, Voice: o.voice},
		&twiml.VoiceHangup{},
	)
	if err != nil {
		o.logger.Error("callback markup failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}

	callbackSID, err := o.gateway.PlaceCall(ctx, telephony.PlaceCall{
		To:    owner,
		TwiML: doc,
	})
	if err != nil {
		o.logger.Error("owner callback failed",
			zap.String("workflow_id", workflowID), zap.String("owner", owner), zap.Error(err))
		return
	}

	if _, err := o.workflows.Update(workflowID, func(w *model.Workflow) {
		w.CallbackSID = callbackSID
		w.Status = model.WorkflowDone
	}); err != nil {
		return
	}
	o.finalize(workflowID, false)
}

// finalize archives the workflow and, once no more events are expected for
// it, drops it from the live store. awaitTranscript keeps a workflow that
// went out with the provisional message resident until its transcription
// arrives so the late summary still has somewhere to land.
func (o *Orchestrator) finalize(workflowID string, awaitTranscript bool) {
	wf, ok := o.workflows.Get(workflowID)
	if !ok {
		return
	}
	if o.archiver != nil {
		if err := o.archiver.SaveWorkflow(wf); err != nil {
			o.logger.Warn("workflow archive failed",
				zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
	if !awaitTranscript {
		o.workflows.Remove(workflowID)
	}
}

func (o *Orchestrator) render(verbs ...twiml.Element) (string, error) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("render call markup: %w", err)
	}
	return doc, nil
}
