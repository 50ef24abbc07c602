package telephony

import (
	"context"
	"errors"
	"net/http"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/session"
	"outbound-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	sayUnavailable = "Sorry, we can't continue this call right now. Goodbye."
	sayNoAgent     = "Sorry, this number is not in service. Goodbye."
)

// Sessions is the conversation side of the carrier webhooks.
type Sessions interface {
	Begin(ctx context.Context, callID string) (session.Instruction, error)
	HandleUtterance(ctx context.Context, callID string, u session.Utterance) (session.Instruction, error)
	HandleStatus(ctx context.Context, callID, carrierStatus string, durationSeconds *int) (calls.Call, error)
	HandleRecording(ctx context.Context, callID, url string, durationSeconds int) error
	StartInbound(ctx context.Context, req session.InboundRequest) (calls.Call, error)
	OpenStream(ctx context.Context, streamID, callID string, sink session.StreamSink) (*session.Stream, error)
}

// Handlers converts carrier webhooks to session calls and writes TwiML.
//
// No business logic here. Every voice route answers 200 with a playable
// document, falling back to a goodbye, so the carrier never plays its own
// error message to the caller.
type Handlers struct {
	Sessions Sessions
	TwiML    *Renderer
}

func NewHandlers(s Sessions, r *Renderer) *Handlers {
	return &Handlers{Sessions: s, TwiML: r}
}

// Register mounts the carrier routes. mw runs before each of them, typically
// signature validation.
func (h *Handlers) Register(r gin.IRouter, mw ...gin.HandlerFunc) {
	g := r.Group("", mw...)
	g.POST("/call-instructions/:call_id", h.CallInstructions)
	g.POST("/turn/:call_id", h.Turn)
	g.POST("/status/:call_id", h.Status)
	g.POST("/recording/:call_id", h.Recording)
	g.POST("/webhooks/twilio/voice", h.InboundVoice)
	r.GET("/media-stream", h.MediaStream)
}

func (h *Handlers) CallInstructions(c *gin.Context) {
	callID := c.Param("call_id")
	log := logger.WithCallID(c, callID)

	in, err := h.Sessions.Begin(c.Request.Context(), callID)
	if err != nil {
		log.Warn("begin call failed", "err", err)
	}
	h.respond(c, callID, in)
}

func (h *Handlers) Turn(c *gin.Context) {
	callID := c.Param("call_id")
	log := logger.WithCallID(c, callID)

	form, err := ParseVoiceForm(c.Request)
	if err != nil {
		// Treated like silence so the caller gets the reprompt.
		log.Warn("turn form parse failed", "err", err)
	}
	u := session.Utterance{
		Text:       form.SpeechResult,
		Confidence: form.Confidence,
		Attempt:    queryCount(c.Request, "attempt"),
		Failures:   queryCount(c.Request, "failures"),
	}
	in, err := h.Sessions.HandleUtterance(c.Request.Context(), callID, u)
	if err != nil {
		log.Warn("turn failed", "err", err)
	}
	h.respond(c, callID, in)
}

func (h *Handlers) Status(c *gin.Context) {
	callID := c.Param("call_id")
	log := logger.WithCallID(c, callID)

	form, err := ParseVoiceForm(c.Request)
	if err != nil {
		log.Warn("status form parse failed", "err", err)
		c.Status(http.StatusNoContent)
		return
	}
	call, err := h.Sessions.HandleStatus(c.Request.Context(), callID, form.CallStatus, form.CallDuration)
	switch {
	case err == nil:
		log.Info("call status", "carrier_status", form.CallStatus, "status", string(call.Status))
	case errors.Is(err, calls.ErrInvalidArgument):
		log.Debug("ignored carrier status", "carrier_status", form.CallStatus)
	case errors.Is(err, calls.ErrNotFound):
		log.Warn("status for unknown call", "carrier_status", form.CallStatus)
	default:
		log.Error("apply call status", "carrier_status", form.CallStatus, "err", err)
	}
	// Status callbacks are acknowledged whatever happened; a retry cannot help.
	c.Status(http.StatusNoContent)
}

func (h *Handlers) Recording(c *gin.Context) {
	callID := c.Param("call_id")
	log := logger.WithCallID(c, callID)

	form, err := ParseVoiceForm(c.Request)
	if err != nil || form.RecordingURL == "" {
		log.Warn("recording callback without url", "err", err)
		c.Status(http.StatusNoContent)
		return
	}
	if err := h.Sessions.HandleRecording(c.Request.Context(), callID, form.RecordingURL, form.RecordingDuration); err != nil {
		log.Warn("attach recording", "err", err)
	}
	c.Status(http.StatusNoContent)
}

// InboundVoice is the entry for calls dialed to an agent's number.
func (h *Handlers) InboundVoice(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseVoiceForm(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		h.writeXML(c, h.TwiML.Goodbye(sayUnavailable))
		return
	}
	call, err := h.Sessions.StartInbound(c.Request.Context(), session.InboundRequest{
		To:            form.To,
		From:          form.From,
		CarrierCallID: form.CallSid,
	})
	if err != nil {
		if errors.Is(err, session.ErrAgentNotFound) {
			log.Warn("no agent for dialed number", "to", form.To)
			h.writeXML(c, h.TwiML.Goodbye(sayNoAgent))
			return
		}
		log.Error("start inbound call", "err", err)
		h.writeXML(c, h.TwiML.Goodbye(sayUnavailable))
		return
	}
	log = logger.WithCallID(c, call.ID)
	log.Info("inbound call", "from", form.From, "to", form.To, "carrier_call_id", form.CallSid)

	in, err := h.Sessions.Begin(c.Request.Context(), call.ID)
	if err != nil {
		log.Warn("begin call failed", "err", err)
	}
	h.respond(c, call.ID, in)
}

func (h *Handlers) respond(c *gin.Context, callID string, in session.Instruction) {
	if in.Say == "" && !in.Listen && !in.Stream {
		h.writeXML(c, h.TwiML.Goodbye(sayUnavailable))
		return
	}
	doc, err := h.TwiML.Render(callID, in)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		doc = h.TwiML.Goodbye(sayUnavailable)
	}
	h.writeXML(c, doc)
}

func (h *Handlers) writeXML(c *gin.Context, doc string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, doc)
}
