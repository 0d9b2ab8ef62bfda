// Package conversation drives the turn loop of a live phone call: greet,
// gather speech, reply, reprompt on silence, and terminate.
package conversation

import (
	"context"
	"strings"

	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/axiomvoice/axiom/dialogue"
	"github.com/axiomvoice/axiom/model"
	"github.com/axiomvoice/axiom/store"
)

const (
	greetingText = "Hello, you've reached Axiom. How can I help you today?"
	repromptText = "Sorry, I didn't catch that. Are you still there?"
	goodbyeText  = "I didn't hear anything, so I'll let you go. Goodbye."

	// DefaultMaxReprompts bounds the silence loop; after this many empty
	// gathers the call is terminated instead of re-entering the loop.
	DefaultMaxReprompts = 3

	defaultVoice = "Polly.Joanna"
)

// apologyTwiML is the hand-built last resort: if markup generation itself
// fails, the live call still receives valid instructions.
const apologyTwiML = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<Response><Say>Sorry, something went wrong on my end. Goodbye.</Say><Hangup/></Response>`

// Engine is the conversation state machine. Every method returns valid
// call-control markup; internal failures degrade to an apology rather than
// an empty response, which the provider treats as a hard error.
type Engine struct {
	sessions     *store.Sessions
	dialogue     *dialogue.Engine
	baseURL      string
	voice        string
	maxReprompts int
	logger       *zap.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithVoice sets the text-to-speech voice.
func WithVoice(v string) Option {
	return func(e *Engine) { e.voice = v }
}

// WithMaxReprompts overrides the silence cap.
func WithMaxReprompts(n int) Option {
	return func(e *Engine) { e.maxReprompts = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates the state machine. baseURL is this service's publicly
// reachable address, used to build absolute gather and reprompt callbacks.
func NewEngine(sessions *store.Sessions, dlg *dialogue.Engine, baseURL string, opts ...Option) *Engine {
	e := &Engine{
		sessions:     sessions,
		dialogue:     dlg,
		baseURL:      strings.TrimRight(baseURL, "/"),
		voice:        defaultVoice,
		maxReprompts: DefaultMaxReprompts,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartCall handles a new inbound call: create the session, speak the
// greeting, and gather the caller's first utterance. The greeting is not
// recorded as a turn; history starts with the caller's speech.
func (e *Engine) StartCall(ctx context.Context, callSID, from string) string {
	e.sessions.GetOrCreate(callSID, from)
	if err := e.sessions.SetState(callSID, model.StateAwaitingSpeech); err != nil {
		e.logger.Warn("set state", zap.String("call_sid", callSID), zap.Error(err))
	}
	e.logger.Info("call started", zap.String("call_sid", callSID), zap.String("from", from))
	return e.speakAndGather(greetingText)
}

// ProcessSpeech handles a captured utterance: run it through the dialogue
// engine and speak the reply, then gather again.
func (e *Engine) ProcessSpeech(ctx context.Context, callSID, speech string) string {
	e.sessions.GetOrCreate(callSID, "")
	e.sessions.ResetReprompt(callSID)

	if err := e.sessions.SetState(callSID, model.StateProcessing); err != nil {
		e.logger.Warn("set state", zap.String("call_sid", callSID), zap.Error(err))
	}
	reply := e.dialogue.GenerateReply(ctx, callSID, speech)
	if err := e.sessions.SetState(callSID, model.StateAwaitingSpeech); err != nil {
		e.logger.Warn("set state", zap.String("call_sid", callSID), zap.Error(err))
	}
	return e.speakAndGather(reply)
}

// Reprompt handles a gather that timed out with no speech. The loop is
// bounded: past the cap the call says goodbye and hangs up.
func (e *Engine) Reprompt(ctx context.Context, callSID string) string {
	e.sessions.GetOrCreate(callSID, "")
	count, err := e.sessions.IncrementReprompt(callSID)
	if err != nil {
		e.logger.Warn("increment reprompt", zap.String("call_sid", callSID), zap.Error(err))
	}
	if count > e.maxReprompts {
		e.logger.Info("reprompt cap reached, ending call",
			zap.String("call_sid", callSID), zap.Int("reprompts", count))
		e.sessions.Terminate(callSID)
		return e.render(
			&twiml.VoiceSay{Message: goodbyeText, Voice: e.voice},
			&twiml.VoiceHangup{},
		)
	}
	return e.speakAndGather(repromptText)
}

// EndCall tears down the session when the provider reports the call leg
// finished.
func (e *Engine) EndCall(callSID string) {
	e.sessions.Terminate(callSID)
}

// speakAndGather builds the standard turn instruction: say the text, listen
// for speech routed to /process_speech, and fall through to /reprompt if
// the caller stays silent.
func (e *Engine) speakAndGather(text string) string {
	return e.render(
		&twiml.VoiceGather{
			Input:         "speech",
			Action:        e.baseURL + "/process_speech",
			Method:        "POST",
			SpeechTimeout: "auto",
			InnerElements: []twiml.Element{
				&twiml.VoiceSay{Message: text, Voice: e.voice},
			},
		},
		&twiml.VoiceRedirect{Url: e.baseURL + "/reprompt", Method: "POST"},
	)
}

func (e *Engine) render(verbs ...twiml.Element) string {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		e.logger.Error("twiml generation failed", zap.Error(err))
		return apologyTwiML
	}
	return doc
}
