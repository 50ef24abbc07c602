package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"outbound-voice/internal/session"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName       xml.Name  `xml:"Gather"`
	Input         string    `xml:"input,attr"`
	Action        string    `xml:"action,attr"`
	Method        string    `xml:"method,attr"`
	SpeechTimeout string    `xml:"speechTimeout,attr"`
	Language      string    `xml:"language,attr,omitempty"`
	Say           *twimlSay `xml:"Say,omitempty"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Renderer turns session instructions into TwiML with absolute callback URLs.
type Renderer struct {
	// BaseURL is the public origin the carrier reaches, without a trailing slash.
	BaseURL  string
	Voice    string
	Language string
}

func NewRenderer(baseURL string) *Renderer {
	return &Renderer{BaseURL: strings.TrimRight(baseURL, "/"), Voice: "Polly.Joanna", Language: "en-US"}
}

// Render maps one instruction to TwiML for callID.
//
// A listening instruction wraps the speech in a speech Gather whose action is
// the turn webhook; the Redirect after it sends silence to the same webhook
// with an empty SpeechResult so reprompts stay in one place.
func (r *Renderer) Render(callID string, in session.Instruction) (string, error) {
	var resp twimlResponse

	switch {
	case in.Stream:
		if callID == "" {
			return "", errors.New("telephony: call id required for stream")
		}
		resp.Verbs = append(resp.Verbs, twimlConnect{Stream: twimlStream{
			URL:        r.streamURL(),
			Parameters: []twimlParameter{{Name: "call_id", Value: callID}},
		}})
	case in.Listen:
		if callID == "" {
			return "", errors.New("telephony: call id required for gather")
		}
		action := r.turnURL(callID, in.Attempt, in.Failures)
		g := twimlGather{
			Input:         "speech",
			Action:        action,
			Method:        "POST",
			SpeechTimeout: "auto",
			Language:      r.Language,
		}
		if strings.TrimSpace(in.Say) != "" {
			g.Say = r.say(in.Say)
		}
		resp.Verbs = append(resp.Verbs, g, twimlRedirect{Method: "POST", URL: action})
	default:
		if strings.TrimSpace(in.Say) != "" {
			resp.Verbs = append(resp.Verbs, r.say(in.Say))
		}
		resp.Verbs = append(resp.Verbs, twimlHangup{})
	}
	return encode(resp)
}

// Goodbye is the fallback document for any failure on a carrier route.
func (r *Renderer) Goodbye(text string) string {
	out, err := encode(twimlResponse{Verbs: []any{r.say(text), twimlHangup{}}})
	if err != nil {
		return xml.Header + "<Response><Hangup/></Response>"
	}
	return out
}

func (r *Renderer) say(text string) *twimlSay {
	return &twimlSay{Voice: r.Voice, Text: text}
}

func (r *Renderer) turnURL(callID string, attempt, failures int) string {
	q := url.Values{}
	if attempt > 0 {
		q.Set("attempt", strconv.Itoa(attempt))
	}
	if failures > 0 {
		q.Set("failures", strconv.Itoa(failures))
	}
	u := fmt.Sprintf("%s/turn/%s", r.BaseURL, url.PathEscape(callID))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// CallbackURL is the absolute URL of a carrier route for callID.
func (r *Renderer) CallbackURL(route, callID string) string {
	return fmt.Sprintf("%s/%s/%s", r.BaseURL, route, url.PathEscape(callID))
}

func (r *Renderer) streamURL() string {
	base := r.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media-stream"
}

func encode(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
