package dialogue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/axiomvoice/axiom/model"
	"github.com/axiomvoice/axiom/store"
)

// Completer is the capability port to a chat-completion language model.
// History is ordered oldest first; the system instruction is passed
// separately so one-shot prompts can reuse the port.
type Completer interface {
	Complete(ctx context.Context, system string, history []model.Turn) (string, error)
}

const (
	// systemPrompt keeps replies short enough to speak over a phone line.
	systemPrompt = "You are Axiom, a helpful voice assistant on a phone call. " +
		"Be concise and conversational; answer in one or two short sentences " +
		"suitable for being read aloud."

	summaryPrompt = "Summarize the following phone call transcript in two or " +
		"three spoken-style sentences covering the outcome and any follow-ups."

	askPrompt = "You are Axiom AI, a helpful and concise personal assistant."

	// FallbackReply is spoken when the language model port fails. A live
	// call must always hear something.
	FallbackReply = "Sorry, I'm having a little trouble right now. Could you say that again?"

	defaultTimeout = 15 * time.Second
)

// Engine produces spoken replies from a call's conversation history.
type Engine struct {
	completer Completer
	sessions  *store.Sessions
	timeout   time.Duration
	logger    *zap.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithTimeout bounds each completion call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a dialogue engine over the given completer and store.
func NewEngine(completer Completer, sessions *store.Sessions, opts ...Option) *Engine {
	e := &Engine{
		completer: completer,
		sessions:  sessions,
		timeout:   defaultTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateReply records the caller's utterance, asks the model for the next
// reply given the full history, and records that reply. It never returns an
// error: on any port failure the canned fallback is spoken and the turn
// count still advances by two.
func (e *Engine) GenerateReply(ctx context.Context, callSID, utterance string) string {
	if err := e.sessions.AppendTurn(callSID, model.SpeakerCaller, utterance); err != nil {
		e.logger.Warn("append caller turn", zap.String("call_sid", callSID), zap.Error(err))
		return FallbackReply
	}

	history, err := e.sessions.Turns(callSID)
	if err != nil {
		history = []model.Turn{{Speaker: model.SpeakerCaller, Text: utterance}}
	}

	reply, err := e.complete(ctx, systemPrompt, history)
	if err != nil {
		e.logger.Warn("completion failed, using fallback",
			zap.String("call_sid", callSID), zap.Error(err))
		reply = FallbackReply
	}

	if err := e.sessions.AppendTurn(callSID, model.SpeakerAssistant, reply); err != nil {
		e.logger.Warn("append assistant turn", zap.String("call_sid", callSID), zap.Error(err))
	}
	return reply
}

// Summarize produces a short spoken summary of a call transcript. This is a
// one-shot prompt, not a session turn; failures are the caller's to degrade.
func (e *Engine) Summarize(ctx context.Context, transcript string) (string, error) {
	return e.complete(ctx, summaryPrompt, []model.Turn{
		{Speaker: model.SpeakerCaller, Text: transcript},
	})
}

// Ask answers a stateless one-shot prompt, outside any call session.
func (e *Engine) Ask(ctx context.Context, prompt string) (string, error) {
	return e.complete(ctx, askPrompt, []model.Turn{
		{Speaker: model.SpeakerCaller, Text: prompt},
	})
}

func (e *Engine) complete(ctx context.Context, system string, history []model.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.completer.Complete(ctx, system, history)
}
