package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/notify"
	"github.com/riteshkumar/carewallet/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 16 * 1024
	actionTimeout  = 10 * time.Second
	frameTypeEvent = "event"
	frameTypeAck   = "ack"
	frameTypeError = "error"
)

// clientFrame is what a connected client sends.
type clientFrame struct {
	Action         string `json:"action"`
	Channel        string `json:"channel,omitempty"`
	ConsultationID string `json:"consultation_id,omitempty"`
	Text           string `json:"text,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

// serverFrame is what the server pushes to a client.
type serverFrame struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Event     string    `json:"event,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriptions is the part of the hub a websocket session uses.
type Subscriptions interface {
	NewSubscriber() *notify.Subscriber
	Subscribe(sub *notify.Subscriber, channel string)
	Unsubscribe(sub *notify.Subscriber, channel string)
	Remove(sub *notify.Subscriber)
}

type WebSocketHandler struct {
	hub           Subscriptions
	consultations service.ConsultationService
	chat          service.ChatService
	auth          *Authenticator
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

func NewWebSocketHandler(
	hub Subscriptions,
	consultations service.ConsultationService,
	chat service.ChatService,
	auth *Authenticator,
	logger *slog.Logger,
) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		consultations: consultations,
		chat:          chat,
		auth:          auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// RegisterRoutes mounts /ws on router. The route authenticates itself so it
// can accept the token as a query parameter.
func (h *WebSocketHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws", h.Serve).Methods(http.MethodGet)
}

func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	caller, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Warn("unauthenticated websocket request", "error", err.Error())
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	s := &session{
		handler: h,
		conn:    conn,
		caller:  caller,
		sub:     h.hub.NewSubscriber(),
		done:    make(chan struct{}),
	}
	s.run(r.Context())
}

// session is one live websocket connection.
type session struct {
	handler *WebSocketHandler
	conn    *websocket.Conn
	caller  models.Caller
	sub     *notify.Subscriber

	writeMu sync.Mutex
	done    chan struct{}
}

func (s *session) run(ctx context.Context) {
	logger := s.handler.logger.With("subscriber_id", s.sub.ID, "account_id", s.caller.AccountID)
	logger.Info("websocket connected", "role", s.caller.Role)

	s.handler.hub.Subscribe(s.sub, models.PersonalChannel(s.caller.Role, s.caller.AccountID))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	s.readLoop(ctx, logger)

	close(s.done)
	s.handler.hub.Remove(s.sub)
	wg.Wait()
	s.conn.Close()
	logger.Info("websocket disconnected")
}

func (s *session) readLoop(ctx context.Context, logger *slog.Logger) {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", "error", err.Error())
			}
			return
		}

		actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
		s.handle(actionCtx, frame)
		cancel()
	}
}

func (s *session) handle(ctx context.Context, frame clientFrame) {
	var err error
	switch frame.Action {
	case "subscribe":
		err = s.subscribe(ctx, frame)
	case "unsubscribe":
		s.handler.hub.Unsubscribe(s.sub, frame.Channel)
		s.write(serverFrame{Type: frameTypeAck, RequestID: frame.RequestID, Channel: frame.Channel})
	case "message":
		var msg *models.Message
		msg, err = s.handler.chat.Send(ctx, s.caller, frame.ConsultationID, frame.Text)
		if err == nil {
			s.write(serverFrame{
				Type:      frameTypeAck,
				RequestID: frame.RequestID,
				Channel:   models.ConsultationChannel(frame.ConsultationID),
				Payload:   msg,
			})
		}
	default:
		err = errors.NewValidationError("action", "must be subscribe, unsubscribe or message")
	}
	if err != nil {
		s.write(serverFrame{Type: frameTypeError, RequestID: frame.RequestID, Channel: frame.Channel, Error: err.Error()})
	}
}

// subscribe joins the caller to channel. Personal channels are restricted to
// their owner; consultation channels to its two participants, who also get
// the message history replayed. Live messages can arrive before the replay
// finishes, so clients dedupe by seq.
func (s *session) subscribe(ctx context.Context, frame clientFrame) error {
	kind, prefix, id, ok := notify.ParseChannel(frame.Channel)
	if !ok {
		return errors.NewValidationError("channel", "must be role:id or consultation:id")
	}

	switch kind {
	case notify.KindPersonal:
		if prefix != string(s.caller.Role) || id != s.caller.AccountID {
			return errors.ErrNotAuthorized
		}
		s.handler.hub.Subscribe(s.sub, frame.Channel)
		s.write(serverFrame{Type: frameTypeAck, RequestID: frame.RequestID, Channel: frame.Channel})
		return nil
	case notify.KindConsultation:
		if _, err := s.handler.consultations.Get(ctx, s.caller, id); err != nil {
			return err
		}
		s.handler.hub.Subscribe(s.sub, frame.Channel)
		history, err := s.handler.chat.History(ctx, s.caller, id)
		if err != nil {
			return err
		}
		s.write(serverFrame{Type: frameTypeAck, RequestID: frame.RequestID, Channel: frame.Channel})
		for _, msg := range history {
			s.write(serverFrame{
				Type:      frameTypeEvent,
				Channel:   frame.Channel,
				Event:     models.EventMessage,
				Payload:   msg,
				Timestamp: msg.CreatedAt,
			})
		}
		return nil
	}
	return errors.NewValidationError("channel", "unknown channel kind")
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			s.write(serverFrame{
				Type:      frameTypeEvent,
				Channel:   ev.Channel,
				Event:     ev.Event,
				Payload:   ev.Payload,
				Timestamp: ev.Timestamp,
			})
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) write(frame serverFrame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.handler.logger.Debug("websocket write failed",
			"subscriber_id", s.sub.ID,
			"error", err.Error(),
		)
	}
}
