// Package llm adapts the OpenAI API to the three model collaborators the call
// pipeline consumes: chat completion, speech synthesis and transcription.
package llm

import (
	"context"
	"errors"
)

var (
	ErrNoChoicesReturned = errors.New("llm: no choices returned")
	ErrEmptyAudio        = errors.New("llm: empty audio")
	ErrNotConfigured     = errors.New("llm: not configured")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Request is one completion call. System is sent as the leading system message.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Speech is synthesized mono 16-bit PCM.
type Speech struct {
	PCM        []int16
	SampleRate int
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Speech, error)
}

type Transcript struct {
	Text       string
	Confidence *float64
}

type Transcriber interface {
	Transcribe(ctx context.Context, pcm []int16, sampleRate int) (Transcript, error)
}

// Unavailable satisfies every collaborator and always fails. It stands in
// when no API key is configured so calls degrade to canned speech.
type Unavailable struct{}

func (Unavailable) Complete(context.Context, Request) (string, error) {
	return "", ErrNotConfigured
}

func (Unavailable) Synthesize(context.Context, string, string) (Speech, error) {
	return Speech{}, ErrNotConfigured
}

func (Unavailable) Transcribe(context.Context, []int16, int) (Transcript, error) {
	return Transcript{}, ErrNotConfigured
}
