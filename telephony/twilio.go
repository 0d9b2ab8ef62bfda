package telephony

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	twilio "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const apiBaseURL = "https://api.twilio.com"

// DefaultHTTPTimeout bounds every REST call to the provider. A gather or
// status webhook waiting on an unbounded placement call would stall a live
// conversation.
const DefaultHTTPTimeout = 30 * time.Second

// TwilioGateway implements Gateway against the Twilio REST API.
type TwilioGateway struct {
	api         *twilioapi.ApiService
	from        string
	httpTimeout time.Duration
	logger      *zap.Logger
}

// TwilioOption configures the gateway.
type TwilioOption func(*TwilioGateway)

// WithHTTPTimeout overrides the per-request timeout on provider calls.
func WithHTTPTimeout(d time.Duration) TwilioOption {
	return func(g *TwilioGateway) { g.httpTimeout = d }
}

// WithTwilioLogger sets the gateway logger.
func WithTwilioLogger(l *zap.Logger) TwilioOption {
	return func(g *TwilioGateway) { g.logger = l }
}

// NewTwilioGateway creates a gateway using the given account credentials and
// provider-assigned outbound caller number.
func NewTwilioGateway(accountSID, authToken, from string, opts ...TwilioOption) (*TwilioGateway, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("twilio account sid and auth token are required")
	}
	if from == "" {
		return nil, errors.New("twilio outbound caller number is required")
	}

	g := &TwilioGateway{
		from:        from,
		httpTimeout: DefaultHTTPTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	client.Client.SetTimeout(g.httpTimeout)
	g.api = client.Api
	return g, nil
}

// PlaceCall creates one outbound call and returns the provider-assigned SID.
func (g *TwilioGateway) PlaceCall(ctx context.Context, req PlaceCall) (string, error) {
	params := &twilioapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(g.from)
	params.SetTwiml(req.TwiML)
	if req.StatusCallback != "" {
		params.SetStatusCallback(req.StatusCallback)
		events := req.StatusCallbackEvents
		if len(events) == 0 {
			events = []string{"completed"}
		}
		params.SetStatusCallbackEvent(events)
		params.SetStatusCallbackMethod("POST")
	}
	if req.Record {
		params.SetRecord(true)
	}
	if req.Timeout > 0 {
		params.SetTimeout(int(req.Timeout.Seconds()))
	}

	call, err := g.api.CreateCall(params)
	if err != nil {
		return "", wrapProviderErr("create call", err)
	}
	if call.Sid == nil {
		return "", &ProviderError{Message: "create call returned no sid"}
	}

	g.logger.Info("outbound call placed",
		zap.String("call_sid", *call.Sid), zap.String("to", req.To))
	return *call.Sid, nil
}

// FetchCall retrieves current metadata for a call.
func (g *TwilioGateway) FetchCall(ctx context.Context, callSID string) (CallInfo, error) {
	call, err := g.api.FetchCall(callSID, &twilioapi.FetchCallParams{})
	if err != nil {
		return CallInfo{}, wrapProviderErr("fetch call", err)
	}

	info := CallInfo{SID: callSID}
	if call.Status != nil {
		info.Status = *call.Status
	}
	if call.From != nil {
		info.From = *call.From
	}
	if call.To != nil {
		info.To = *call.To
	}
	if call.Duration != nil {
		if secs, err := strconv.Atoi(*call.Duration); err == nil {
			info.Duration = time.Duration(secs) * time.Second
		}
	}
	return info, nil
}

// ListRecordings returns the recordings captured for a call with playable
// media URLs.
func (g *TwilioGateway) ListRecordings(ctx context.Context, callSID string) ([]Recording, error) {
	params := &twilioapi.ListRecordingParams{}
	params.SetCallSid(callSID)

	recs, err := g.api.ListRecording(params)
	if err != nil {
		return nil, wrapProviderErr("list recordings", err)
	}

	out := make([]Recording, 0, len(recs))
	for _, rec := range recs {
		r := Recording{}
		if rec.Sid != nil {
			r.SID = *rec.Sid
		}
		if rec.Uri != nil {
			r.MediaURL = MediaURL(*rec.Uri)
		}
		if rec.Duration != nil {
			if secs, err := strconv.Atoi(*rec.Duration); err == nil {
				r.Duration = time.Duration(secs) * time.Second
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// MediaURL converts a recording resource URI into a playable mp3 URL.
func MediaURL(uri string) string {
	return apiBaseURL + strings.TrimSuffix(uri, ".json") + ".mp3"
}

// wrapProviderErr converts a Twilio REST error into a ProviderError,
// keeping the provider's error code for the caller-facing body.
func wrapProviderErr(op string, err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &ProviderError{
			Code:    restErr.Code,
			Message: restErr.Message,
			Status:  restErr.Status,
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
