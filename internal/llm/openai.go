package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"outbound-voice/internal/audio"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultChatModel = "gpt-4o-mini"
	DefaultTTSModel  = "tts-1"
	DefaultTTSVoice  = "alloy"
	DefaultSTTModel  = "whisper-1"

	// ttsSampleRate is the rate of the "pcm" speech response format.
	ttsSampleRate = 24000
	// sttSampleRate is what audio is upsampled to before transcription.
	sttSampleRate = 16000
)

type chatFunc func(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
type speechFunc func(ctx context.Context, params openai.AudioSpeechNewParams) (*http.Response, error)
type transcribeFunc func(ctx context.Context, params openai.AudioTranscriptionNewParams) (*openai.Transcription, error)

// Client implements Completer, Synthesizer and Transcriber on OpenAI.
type Client struct {
	chat       chatFunc
	speech     speechFunc
	transcribe transcribeFunc

	chatModel string
	ttsModel  string
	ttsVoice  string
	sttModel  string
	language  string
}

type Option func(*clientOptions)

type clientOptions struct {
	apiKey    string
	baseURL   string
	chatModel string
	ttsModel  string
	ttsVoice  string
	sttModel  string
	language  string
}

func WithAPIKey(key string) Option  { return func(o *clientOptions) { o.apiKey = key } }
func WithBaseURL(u string) Option   { return func(o *clientOptions) { o.baseURL = u } }
func WithChatModel(m string) Option { return func(o *clientOptions) { o.chatModel = m } }
func WithSpeech(model, voice string) Option {
	return func(o *clientOptions) { o.ttsModel, o.ttsVoice = model, voice }
}
func WithTranscriptionModel(m string) Option { return func(o *clientOptions) { o.sttModel = m } }
func WithLanguage(lang string) Option        { return func(o *clientOptions) { o.language = lang } }

// NewClient builds a client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.apiKey == "" {
		o.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.apiKey == "" {
		return nil, fmt.Errorf("llm: OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(o.apiKey)}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	oc := openai.NewClient(reqOpts...)

	return &Client{
		chat: func(ctx context.Context, p openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
			return oc.Chat.Completions.New(ctx, p)
		},
		speech: func(ctx context.Context, p openai.AudioSpeechNewParams) (*http.Response, error) {
			return oc.Audio.Speech.New(ctx, p)
		},
		transcribe: func(ctx context.Context, p openai.AudioTranscriptionNewParams) (*openai.Transcription, error) {
			return oc.Audio.Transcriptions.New(ctx, p)
		},
		chatModel: orDefault(o.chatModel, DefaultChatModel),
		ttsModel:  orDefault(o.ttsModel, DefaultTTSModel),
		ttsVoice:  orDefault(o.ttsVoice, DefaultTTSVoice),
		sttModel:  orDefault(o.sttModel, DefaultSTTModel),
		language:  o.language,
	}, nil
}

// Complete sends the system prompt, then the conversation, and returns the
// first choice's text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.chatModel),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.chat(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Synthesize returns 24 kHz PCM for text.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (Speech, error) {
	if strings.TrimSpace(text) == "" {
		return Speech{}, ErrEmptyAudio
	}
	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(c.ttsModel),
		Voice:          openai.AudioSpeechNewParamsVoice(orDefault(voice, c.ttsVoice)),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat("pcm"),
	}
	resp, err := c.speech(ctx, params)
	if err != nil {
		return Speech{}, fmt.Errorf("llm: speech: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Speech{}, fmt.Errorf("llm: read speech: %w", err)
	}
	if len(raw) < 2 {
		return Speech{}, ErrEmptyAudio
	}
	return Speech{PCM: audio.BytesToSamples(raw), SampleRate: ttsSampleRate}, nil
}

// Transcribe uploads pcm as a 16 kHz WAV file.
func (c *Client) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (Transcript, error) {
	if len(pcm) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	wav := audio.EncodeWAV(audio.Resample(pcm, sampleRate, sttSampleRate), sttSampleRate)

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: openai.AudioModel(c.sttModel),
	}
	if c.language != "" {
		params.Language = openai.String(c.language)
	}
	resp, err := c.transcribe(ctx, params)
	if err != nil {
		return Transcript{}, fmt.Errorf("llm: transcription: %w", err)
	}
	if resp == nil {
		return Transcript{}, nil
	}
	return Transcript{Text: strings.TrimSpace(resp.Text)}, nil
}

func orDefault(v, d string) string {
	if strings.TrimSpace(v) == "" {
		return d
	}
	return v
}
