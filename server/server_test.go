package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/axiomvoice/axiom/conversation"
	"github.com/axiomvoice/axiom/dialogue"
	"github.com/axiomvoice/axiom/model"
	"github.com/axiomvoice/axiom/store"
	"github.com/axiomvoice/axiom/telephony"
	"github.com/axiomvoice/axiom/workflow"
)

type scriptedCompleter struct {
	reply string
	err   error
}

func (c scriptedCompleter) Complete(ctx context.Context, system string, history []model.Turn) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

type recordingGateway struct {
	mu     sync.Mutex
	placed []telephony.PlaceCall
	err    error
}

func (g *recordingGateway) PlaceCall(ctx context.Context, req telephony.PlaceCall) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.placed = append(g.placed, req)
	return fmt.Sprintf("CA%04d", len(g.placed)), nil
}

func (g *recordingGateway) FetchCall(ctx context.Context, callSID string) (telephony.CallInfo, error) {
	return telephony.CallInfo{SID: callSID}, nil
}

func (g *recordingGateway) ListRecordings(ctx context.Context, callSID string) ([]telephony.Recording, error) {
	return nil, nil
}

func (g *recordingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

type testEnv struct {
	ts        *httptest.Server
	gateway   *recordingGateway
	sessions  *store.Sessions
	workflows *store.Workflows
}

func newTestEnv(t *testing.T, completer dialogue.Completer) *testEnv {
	t.Helper()
	sessions := store.NewSessions()
	workflows := store.NewWorkflows()
	gw := &recordingGateway{}

	dlg := dialogue.NewEngine(completer, sessions)
	conv := conversation.NewEngine(sessions, dlg, "https://axiom.example.com")
	orch := workflow.NewOrchestrator(workflows, gw, dlg, "https://axiom.example.com")

	srv := New(conv, orch, dlg, gw, sessions, workflows, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, gateway: gw, sessions: sessions, workflows: workflows}
}

func (env *testEnv) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(env.ts.URL+path, form)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (env *testEnv) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(env.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestInboundCallConversation(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{reply: "It's sunny."})

	// Inbound call rings in.
	resp := env.postForm(t, "/incoming_call", url.Values{
		"CallSid": {"CAlive"}, "From": {"+15550001111"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("incoming_call status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Fatalf("content type = %q", ct)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "<Gather") || !strings.Contains(body, "you've reached Axiom") {
		t.Fatalf("greeting markup:\n%s", body)
	}

	// Caller speaks; reply comes back and history holds two turns.
	resp = env.postForm(t, "/process_speech", url.Values{
		"CallSid": {"CAlive"}, "SpeechResult": {"how's the weather"},
	})
	body = readBody(t, resp)
	if !strings.Contains(body, "It's sunny.") {
		t.Fatalf("reply markup:\n%s", body)
	}
	turns, err := env.sessions.Turns("CAlive")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}

	// Provider reports the call finished; the session is torn down.
	resp = env.postForm(t, "/status_callback", url.Values{
		"CallSid": {"CAlive"}, "CallStatus": {"completed"},
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status_callback status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if env.sessions.Len() != 0 {
		t.Fatalf("sessions still live: %d", env.sessions.Len())
	}
}

func TestProcessSpeechEmptyCaptureReprompts(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{reply: "unused"})
	env.postForm(t, "/incoming_call", url.Values{"CallSid": {"CA1"}}).Body.Close()

	resp := env.postForm(t, "/process_speech", url.Values{
		"CallSid": {"CA1"}, "SpeechResult": {"   "},
	})
	body := readBody(t, resp)
	if !strings.Contains(body, "didn't catch that") {
		t.Fatalf("empty capture did not reprompt:\n%s", body)
	}

	turns, err := env.sessions.Turns("CA1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Fatalf("empty capture recorded %d turns, want 0", len(turns))
	}
}

func TestWebhooksRequireCallSid(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{})
	for _, path := range []string{"/incoming_call", "/process_speech", "/reprompt"} {
		resp := env.postForm(t, path, url.Values{})
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s without CallSid = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestDeliverMessageEndpoint(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{})

	resp := env.postJSON(t, "/call_deliver_message",
		`{"to":"+15550001111","message":"Dinner at seven."}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if out["call_sid"] == "" {
		t.Fatalf("response = %v, want call_sid", out)
	}
	if env.gateway.count() != 1 {
		t.Fatalf("placed %d calls, want 1", env.gateway.count())
	}
}

func TestDeliverMessageValidation(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{})

	for name, body := range map[string]string{
		"missing message": `{"to":"+15550001111"}`,
		"missing to":      `{"message":"hi"}`,
		"malformed":       `{not json`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := env.postJSON(t, "/call_deliver_message", body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if env.gateway.count() != 0 {
		t.Fatalf("invalid requests placed %d calls", env.gateway.count())
	}
}

func TestBusinessProposalFlow(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{reply: "They agreed to a demo."})

	resp := env.postJSON(t, "/call_business_proposal",
		`{"business_number":"+15552220000","script":"We sell widgets.","your_number":"+15553330000"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	sid := out["proposal_call_sid"]
	if sid == "" {
		t.Fatalf("response = %v, want proposal_call_sid", out)
	}

	// Transcription, then completion: owner callback carries the summary.
	env.postForm(t, "/transcription_ready", url.Values{
		"CallSid": {sid}, "TranscriptionText": {"We discussed widgets."},
	}).Body.Close()
	r := env.postForm(t, "/status_callback", url.Values{
		"CallSid": {sid}, "CallStatus": {"completed"},
	})
	r.Body.Close()
	if r.StatusCode != http.StatusNoContent {
		t.Fatalf("status_callback = %d", r.StatusCode)
	}

	if env.gateway.count() != 2 {
		t.Fatalf("placed %d calls, want 2 (proposal + owner callback)", env.gateway.count())
	}
	env.gateway.mu.Lock()
	callback := env.gateway.placed[1]
	env.gateway.mu.Unlock()
	if callback.To != "+15553330000" {
		t.Fatalf("owner callback to %q", callback.To)
	}
	if !strings.Contains(callback.TwiML, "They agreed to a demo.") {
		t.Fatalf("owner callback missing summary:\n%s", callback.TwiML)
	}
}

func TestPlacementFailureReturnsBadGateway(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{})
	env.gateway.err = &telephony.ProviderError{Code: 21211, Message: "invalid 'To' number"}

	resp := env.postJSON(t, "/call_deliver_message",
		`{"to":"bogus","message":"hi"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "invalid 'To' number") {
		t.Fatalf("body = %s, want provider message", body)
	}
}

func TestWebhooksAcknowledgeUnknownSids(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{})

	// Events for calls this instance never saw must still be acknowledged.
	resp := env.postForm(t, "/status_callback", url.Values{
		"CallSid": {"CAstranger"}, "CallStatus": {"completed"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status_callback for stranger = %d", resp.StatusCode)
	}

	resp = env.postForm(t, "/transcription_ready", url.Values{
		"CallSid": {"CAstranger"}, "TranscriptionText": {"lost words"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("transcription_ready for stranger = %d", resp.StatusCode)
	}
}

func TestAskEndpoint(t *testing.T) {
	t.Run("answers", func(t *testing.T) {
		env := newTestEnv(t, scriptedCompleter{reply: "Paris."})
		resp := env.postJSON(t, "/ask", `{"prompt":"capital of France?"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var out map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if out["response"] != "Paris." {
			t.Fatalf("response = %v", out)
		}
	})

	t.Run("model failure", func(t *testing.T) {
		env := newTestEnv(t, scriptedCompleter{err: errors.New("model down")})
		resp := env.postJSON(t, "/ask", `{"prompt":"anything"}`)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", resp.StatusCode)
		}
		body := readBody(t, resp)
		if !strings.Contains(body, "trouble connecting") {
			t.Fatalf("body = %s", body)
		}
	})

	t.Run("missing prompt", func(t *testing.T) {
		env := newTestEnv(t, scriptedCompleter{})
		resp := env.postJSON(t, "/ask", `{}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestSnapshotEndpoint(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{reply: "ok"})
	env.postForm(t, "/incoming_call", url.Values{"CallSid": {"CA1"}}).Body.Close()
	env.postJSON(t, "/call_deliver_message", `{"to":"+15550001111","message":"hi"}`).Body.Close()

	resp, err := http.Get(env.ts.URL + "/api/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Sessions  []model.CallSession `json:"sessions"`
		Workflows []model.Workflow    `json:"workflows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(out.Sessions) != 1 {
		t.Fatalf("snapshot has %d sessions, want 1", len(out.Sessions))
	}
	if len(out.Workflows) != 1 {
		t.Fatalf("snapshot has %d workflows, want 1", len(out.Workflows))
	}
}

func TestCallLookup(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{})

	resp, err := http.Get(env.ts.URL + "/api/calls/CA123")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Call telephony.CallInfo `json:"call"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if out.Call.SID != "CA123" {
		t.Fatalf("call sid = %q", out.Call.SID)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, scriptedCompleter{})

	resp, err := http.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("no request id assigned")
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/", nil)
	req.Header.Set("X-Request-Id", "caller-supplied")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "caller-supplied" {
		t.Fatalf("request id = %q, want the caller's", got)
	}
}
