package telephony

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"outbound-voice/internal/calls"
)

// twilioCalls is the slice of the Twilio REST API the carrier uses.
type twilioCalls interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
	FetchAccount(sid string) (*twilioApi.ApiV2010Account, error)
}

type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	// Record asks Twilio to record each call and post to /recording.
	Record bool
}

// TwilioCarrier places and ends calls through the Twilio REST API. Callback
// URLs point at the webhook routes served by Handlers.
type TwilioCarrier struct {
	api        twilioCalls
	accountSID string
	urls       *Renderer
	record     bool
}

func NewTwilioCarrier(opts TwilioOpts, urls *Renderer) (*TwilioCarrier, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, errors.New("telephony: twilio account sid and auth token must be provided")
	}
	if urls == nil || urls.BaseURL == "" {
		return nil, errors.New("telephony: public base url required for twilio callbacks")
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
	})
	return &TwilioCarrier{api: rc.Api, accountSID: opts.AccountSID, urls: urls, record: opts.Record}, nil
}

func (t *TwilioCarrier) Name() string { return "twilio" }

func (t *TwilioCarrier) HealthCheck(ctx context.Context) error {
	if _, err := t.api.FetchAccount(t.accountSID); err != nil {
		return fmt.Errorf("telephony: twilio health: %w", err)
	}
	return nil
}

// Dial creates the outbound call. The answer URL returns TwiML for the
// configured transport, so StreamMode needs no different parameters here.
func (t *TwilioCarrier) Dial(ctx context.Context, req calls.DialRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(t.urls.CallbackURL("call-instructions", req.CallID))
	params.SetMethod("POST")
	params.SetStatusCallback(t.urls.CallbackURL("status", req.CallID))
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	if t.record {
		params.SetRecord(true)
		params.SetRecordingStatusCallback(t.urls.CallbackURL("recording", req.CallID))
		params.SetRecordingStatusCallbackMethod("POST")
	}

	resp, err := t.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("telephony: twilio create call: %w", err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return "", errors.New("telephony: twilio create call: no sid returned")
	}
	return *resp.Sid, nil
}

func (t *TwilioCarrier) Hangup(ctx context.Context, carrierCallID string) error {
	if carrierCallID == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := t.api.UpdateCall(carrierCallID, params); err != nil {
		return fmt.Errorf("telephony: twilio hangup %s: %w", carrierCallID, err)
	}
	return nil
}
