package telephony

import (
	"net/http"
	"strconv"
	"strings"
)

// VoiceForm captures the subset of Twilio voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default; every carrier
// route parses the same form and reads the fields it needs.
// Ref: https://www.twilio.com/docs/voice/twiml
type VoiceForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string

	// CallDuration is set on the final status callback.
	CallDuration *int

	// Speech recognition results posted to a Gather action.
	SpeechResult string
	Confidence   *float64

	RecordingURL      string
	RecordingDuration int
}

func ParseVoiceForm(r *http.Request) (VoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return VoiceForm{}, err
	}
	f := VoiceForm{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   strings.TrimSpace(r.PostFormValue("AccountSid")),
		From:         normalizePhone(r.PostFormValue("From")),
		To:           normalizePhone(r.PostFormValue("To")),
		Direction:    r.PostFormValue("Direction"),
		CallStatus:   strings.TrimSpace(r.PostFormValue("CallStatus")),
		SpeechResult: strings.TrimSpace(r.PostFormValue("SpeechResult")),
		RecordingURL: strings.TrimSpace(r.PostFormValue("RecordingUrl")),
	}
	if n, ok := parseInt(r.PostFormValue("CallDuration")); ok {
		f.CallDuration = &n
	}
	if n, ok := parseInt(r.PostFormValue("RecordingDuration")); ok {
		f.RecordingDuration = n
	}
	if v := strings.TrimSpace(r.PostFormValue("Confidence")); v != "" {
		if c, err := strconv.ParseFloat(v, 64); err == nil {
			f.Confidence = &c
		}
	}
	return f, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

func parseInt(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// queryCount reads a non-negative counter echoed back on a turn URL.
func queryCount(r *http.Request, key string) int {
	n, _ := parseInt(r.URL.Query().Get(key))
	return n
}
