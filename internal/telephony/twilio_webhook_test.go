package telephony

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseVoiceForm(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&From=%2B15551234567&To=%2B15557654321&CallStatus=completed&CallDuration=42" +
		"&SpeechResult=+yes+please+&Confidence=0.87&RecordingUrl=https%3A%2F%2Fapi.twilio.com%2FRE1&RecordingDuration=40")
	r := httptest.NewRequest(http.MethodPost, "/status/x", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, err := ParseVoiceForm(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallSid != "CA123" {
		t.Fatalf("expected CallSid")
	}
	if form.From != "+15551234567" || form.To != "+15557654321" {
		t.Fatalf("unexpected from/to: %q %q", form.From, form.To)
	}
	if form.CallDuration == nil || *form.CallDuration != 42 {
		t.Fatalf("call duration = %v", form.CallDuration)
	}
	if form.SpeechResult != "yes please" || form.Confidence == nil || *form.Confidence != 0.87 {
		t.Fatalf("speech = %q %v", form.SpeechResult, form.Confidence)
	}
	if form.RecordingURL != "https://api.twilio.com/RE1" || form.RecordingDuration != 40 {
		t.Fatalf("recording = %q %d", form.RecordingURL, form.RecordingDuration)
	}
}

func TestParseVoiceForm_MissingOptionalFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/turn/x", strings.NewReader("SpeechResult=&Confidence=abc&CallDuration=-3"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, err := ParseVoiceForm(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.Confidence != nil || form.CallDuration != nil || form.SpeechResult != "" {
		t.Fatalf("form = %+v", form)
	}
}

func TestQueryCount(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/turn/x?attempt=2&failures=nope", nil)
	if queryCount(r, "attempt") != 2 || queryCount(r, "failures") != 0 || queryCount(r, "missing") != 0 {
		t.Fatalf("unexpected counts")
	}
}
