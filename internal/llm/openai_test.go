package llm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"outbound-voice/internal/audio"

	"github.com/openai/openai-go"
)

func testClient() *Client {
	return &Client{
		chatModel: DefaultChatModel,
		ttsModel:  DefaultTTSModel,
		ttsVoice:  DefaultTTSVoice,
		sttModel:  DefaultSTTModel,
	}
}

func TestComplete_BuildsMessagesAndReadsFirstChoice(t *testing.T) {
	c := testClient()
	var got openai.ChatCompletionNewParams
	c.chat = func(ctx context.Context, p openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
		got = p
		return &openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "  Sure, Tuesday works.  "}},
		}}, nil
	}

	out, err := c.Complete(context.Background(), Request{
		System: "be brief",
		Messages: []Message{
			{Role: RoleAssistant, Content: "Hi, this is Ava."},
			{Role: RoleUser, Content: "Can we meet Tuesday?"},
		},
		Temperature: 0.7,
		MaxTokens:   150,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "Sure, Tuesday works." {
		t.Fatalf("unexpected output %q", out)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected system + 2 messages, got %d", len(got.Messages))
	}
	if string(got.Model) != DefaultChatModel {
		t.Fatalf("model = %q", got.Model)
	}
	if got.MaxTokens.Value != 150 {
		t.Fatalf("max tokens = %d", got.MaxTokens.Value)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	c := testClient()
	c.chat = func(context.Context, openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
		return &openai.ChatCompletion{}, nil
	}
	if _, err := c.Complete(context.Background(), Request{}); !errors.Is(err, ErrNoChoicesReturned) {
		t.Fatalf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestComplete_WrapsTransportError(t *testing.T) {
	c := testClient()
	boom := errors.New("connection reset")
	c.chat = func(context.Context, openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
		return nil, boom
	}
	if _, err := c.Complete(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestSynthesize_DecodesPCM(t *testing.T) {
	c := testClient()
	want := []int16{0, 1200, -1200, 32000}
	var voice string
	c.speech = func(ctx context.Context, p openai.AudioSpeechNewParams) (*http.Response, error) {
		voice = string(p.Voice)
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(audio.SamplesToBytes(want)))}, nil
	}

	sp, err := c.Synthesize(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if voice != DefaultTTSVoice {
		t.Fatalf("expected default voice, got %q", voice)
	}
	if sp.SampleRate != 24000 || len(sp.PCM) != len(want) || sp.PCM[3] != 32000 {
		t.Fatalf("unexpected speech %+v", sp)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	c := testClient()
	if _, err := c.Synthesize(context.Background(), "   ", "alloy"); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected ErrEmptyAudio, got %v", err)
	}
}

func TestTranscribe_SendsWAV(t *testing.T) {
	c := testClient()
	var header []byte
	c.transcribe = func(ctx context.Context, p openai.AudioTranscriptionNewParams) (*openai.Transcription, error) {
		b, err := io.ReadAll(p.File)
		if err != nil {
			return nil, err
		}
		header = b[:4]
		return &openai.Transcription{Text: "  yes please  "}, nil
	}

	tr, err := c.Transcribe(context.Background(), make([]int16, 8000), 8000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if string(header) != "RIFF" {
		t.Fatalf("expected WAV upload, got %q", header)
	}
	if tr.Text != "yes please" {
		t.Fatalf("unexpected text %q", tr.Text)
	}
}

func TestUnavailable(t *testing.T) {
	var u Unavailable
	if _, err := u.Complete(context.Background(), Request{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
