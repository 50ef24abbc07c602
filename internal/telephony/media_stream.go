package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"outbound-voice/internal/session"
	"outbound-voice/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamHandshakeTimeout = 10 * time.Second
	streamWriteTimeout     = 5 * time.Second
	streamMaxMessageBytes  = 64 << 10
)

// Twilio Media Streams message shapes.
// Ref: https://www.twilio.com/docs/voice/media-streams/websocket-messages
type streamMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *streamStart  `json:"start,omitempty"`
	Media     *streamMedia  `json:"media,omitempty"`
	Mark      *streamMark   `json:"mark,omitempty"`
	Stop      *streamStopEv `json:"stop,omitempty"`
}

type streamStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

type streamStopEv struct {
	CallSid string `json:"callSid"`
}

var upgrader = websocket.Upgrader{
	// Carriers do not send an Origin header; requests are authenticated by signature.
	CheckOrigin: func(*http.Request) bool { return true },
}

// MediaStream serves one carrier media stream for the lifetime of the socket.
func (h *Handlers) MediaStream(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(streamMaxMessageBytes)

	// The stream worker lives until the socket closes; Close runs before return.
	ctx := c.Request.Context()
	_ = conn.SetReadDeadline(time.Now().Add(streamHandshakeTimeout))

	var (
		st   *session.Stream
		sink *wsSink
	)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if st != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("media stream read failed", "call_id", st.CallID(), "err", err)
			}
			break
		}
		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn("media stream bad frame", "err", err)
			continue
		}

		switch msg.Event {
		case "connected":
		case "start":
			if st != nil || msg.Start == nil {
				continue
			}
			callID := msg.Start.CustomParameters["call_id"]
			sink = &wsSink{conn: conn, streamSid: msg.Start.StreamSid}
			st, err = h.Sessions.OpenStream(ctx, msg.Start.StreamSid, callID, sink)
			if err != nil {
				log.Warn("open stream failed", "call_id", callID, "stream_sid", msg.Start.StreamSid, "err", err)
				return
			}
			_ = conn.SetReadDeadline(time.Time{})
		case "media":
			if st == nil || msg.Media == nil {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				log.Debug("media payload decode failed", "err", err)
				continue
			}
			st.Media(frame)
		case "mark":
			if st != nil && msg.Mark != nil {
				st.Mark(msg.Mark.Name)
			}
		case "stop":
			if st != nil {
				st.Close()
			}
			return
		default:
			log.Debug("media stream event ignored", "event", msg.Event)
		}
	}
	if st != nil {
		st.Close()
	}
}

// wsSink writes agent audio back on the carrier socket. gorilla connections
// allow one concurrent writer, so writes are serialized.
type wsSink struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	streamSid string
	closed    bool
}

var errSinkClosed = errors.New("telephony: media stream closed")

func (s *wsSink) SendMedia(mulaw []byte) error {
	return s.write(streamMessage{
		Event:     "media",
		StreamSid: s.streamSid,
		Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

func (s *wsSink) SendMark(name string) error {
	return s.write(streamMessage{Event: "mark", StreamSid: s.streamSid, Mark: &streamMark{Name: name}})
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	deadline := time.Now().Add(streamWriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

func (s *wsSink) write(m streamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(m)
}

var _ session.StreamSink = (*wsSink)(nil)
