package telephony

import (
	"encoding/xml"
	"strings"
	"testing"

	"outbound-voice/internal/session"
)

func TestRender_ListenWrapsSpeechInGather(t *testing.T) {
	r := NewRenderer("https://voice.example.com/")
	out, err := r.Render("call-1", session.Instruction{Say: "Hello there", Listen: true, Attempt: 1, Failures: 1})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasPrefix(out, xml.Header) {
		t.Fatalf("missing xml header: %s", out)
	}
	for _, want := range []string{
		`<Gather input="speech" action="https://voice.example.com/turn/call-1?attempt=1&amp;failures=1" method="POST" speechTimeout="auto" language="en-US">`,
		`<Say voice="Polly.Joanna">Hello there</Say></Gather>`,
		`<Redirect method="POST">https://voice.example.com/turn/call-1?attempt=1&amp;failures=1</Redirect>`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %s", want, out)
		}
	}
	if strings.Contains(out, "<Hangup") {
		t.Fatalf("listening instruction must not hang up: %s", out)
	}
}

func TestRender_HangupSaysThenHangsUp(t *testing.T) {
	r := NewRenderer("https://voice.example.com")
	out, err := r.Render("call-1", session.Instruction{Say: "Goodbye & thanks", Hangup: true})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, `<Say voice="Polly.Joanna">Goodbye &amp; thanks</Say><Hangup></Hangup>`) {
		t.Fatalf("unexpected twiml: %s", out)
	}
}

func TestRender_Stream(t *testing.T) {
	r := NewRenderer("http://localhost:8080")
	out, err := r.Render("call-9", session.Instruction{Stream: true})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := `<Connect><Stream url="ws://localhost:8080/media-stream"><Parameter name="call_id" value="call-9"></Parameter></Stream></Connect>`
	if !strings.Contains(out, want) {
		t.Fatalf("expected %q in %s", want, out)
	}
}

func TestRender_RequiresCallID(t *testing.T) {
	r := NewRenderer("https://voice.example.com")
	if _, err := r.Render("", session.Instruction{Listen: true}); err == nil {
		t.Fatal("expected error for gather without call id")
	}
	if _, err := r.Render("", session.Instruction{Stream: true}); err == nil {
		t.Fatal("expected error for stream without call id")
	}
}

func TestGoodbye(t *testing.T) {
	out := NewRenderer("https://voice.example.com").Goodbye("Bye.")
	var doc struct {
		Say    string    `xml:"Say"`
		Hangup *struct{} `xml:"Hangup"`
	}
	if err := xml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("goodbye is not valid xml: %v", err)
	}
	if doc.Say != "Bye." || doc.Hangup == nil {
		t.Fatalf("goodbye = %s", out)
	}
}

func TestCallbackURL(t *testing.T) {
	r := NewRenderer("https://voice.example.com")
	if got := r.CallbackURL("status", "a b"); got != "https://voice.example.com/status/a%20b" {
		t.Fatalf("CallbackURL = %q", got)
	}
}
