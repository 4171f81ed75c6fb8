// Package wsapi exposes the broker over a single WebSocket connection per
// client: JSON frames in, JSON frames out, covering produce/consume/
// subscribe/unsubscribe in one duplex channel. gorilla/websocket is not
// used anywhere else in the retrieval pack -- no repo in it implements a
// WebSocket server -- so this is the standard ecosystem choice rather than
// a grounded adaptation of an existing pack file.
package wsapi

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eventlogio/eventlog/internal/codec"
	"github.com/eventlogio/eventlog/internal/model"
)

// BrokerAPI is the subset of internal/broker.Broker the WebSocket front-end
// uses.
type BrokerAPI interface {
	Produce(topic string, payload []byte) (uint64, error)
	Consume(topic string, startOffset uint64, max uint32) ([]model.Message, error)
	CreateTopic(topic string) (uint64, error)
	ListTopics() []string
	NextOffset(topic string) uint64
	Subscribe(topic, subscriberID string, startOffset uint64, executor model.Executor, deliver model.DeliveryFunc) error
	Unsubscribe(topic, subscriberID string) bool
	UnsubscribeAll(subscriberID string)
}

// Server upgrades incoming HTTP connections to WebSocket sessions.
type Server struct {
	broker   BrokerAPI
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer builds a wsapi.Server over broker. The upgrader accepts any
// origin, matching spec.md's Non-goal of no authn/authz at this layer.
func NewServer(broker BrokerAPI, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		broker: broker,
		logger: logger.With("frontend", "ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler upgrades r and serves one session per connection until it closes.
func (s *Server) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	newSession(conn, s.broker, s.logger).run()
}

// requestFrame is a single client->server JSON message.
type requestFrame struct {
	ID          string `json:"id"`
	Action      string `json:"action"`
	Topic       string `json:"topic,omitempty"`
	Payload     string `json:"payload,omitempty"` // base64
	StartOffset uint64 `json:"start_offset,omitempty"`
	Max         uint32 `json:"max,omitempty"`
}

// responseFrame is a single server->client JSON message: either a reply to
// a requestFrame (ID set; Event is empty except on the "subscribed" and
// "unsubscribed" acks) or a pushed notification (Event "message", ID empty).
type responseFrame struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Offset  uint64          `json:"offset,omitempty"`
	Topics  []string        `json:"topics,omitempty"`
	Message *messageFrame   `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type messageFrame struct {
	Topic   string `json:"topic"`
	Offset  uint64 `json:"offset"`
	Payload string `json:"payload"`
}

type session struct {
	conn     *websocket.Conn
	broker   BrokerAPI
	logger   *slog.Logger
	id       string
	outbound chan responseFrame
	tasks    chan func()
	done     chan struct{}
}

func newSession(conn *websocket.Conn, broker BrokerAPI, logger *slog.Logger) *session {
	id := uuid.NewString()
	return &session{
		conn:     conn,
		broker:   broker,
		logger:   logger.With("client", id),
		id:       id,
		outbound: make(chan responseFrame, 64),
		tasks:    make(chan func(), 64),
		done:     make(chan struct{}),
	}
}

func (s *session) run() {
	defer s.conn.Close()
	defer s.broker.UnsubscribeAll(s.id)
	defer close(s.done)

	go s.writeLoop()
	go s.taskLoop()

	for {
		var req requestFrame
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read error", "error", err)
			}
			return
		}
		s.handle(req)
	}
}

func (s *session) writeLoop() {
	for frame := range s.outbound {
		s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := s.conn.WriteJSON(frame); err != nil {
			s.logger.Warn("write error", "error", err)
			return
		}
	}
}

// taskLoop is this session's delivery strand: exactly one goroutine drains
// tasks in the order Post enqueued them, so a subscriber's deliveries stay
// in offset order (spec.md §4.4/§9) instead of racing across goroutines the
// way a bare `go task()` per Post would.
func (s *session) taskLoop() {
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.done:
			return
		}
	}
}

// postTask implements model.Executor for this session, enqueueing onto the
// single task strand rather than spawning a goroutine per call.
func (s *session) postTask(task func()) {
	select {
	case s.tasks <- task:
	case <-s.done:
	}
}

func (s *session) send(frame responseFrame) {
	select {
	case s.outbound <- frame:
	case <-s.done:
	}
}

func (s *session) handle(req requestFrame) {
	switch req.Action {
	case "produce":
		s.handleProduce(req)
	case "consume":
		s.handleConsume(req)
	case "create_topic":
		s.handleCreateTopic(req)
	case "list_topics":
		s.handleListTopics(req)
	case "get_offset":
		s.handleGetOffset(req)
	case "subscribe":
		s.handleSubscribe(req)
	case "unsubscribe":
		s.handleUnsubscribe(req)
	default:
		s.send(responseFrame{ID: req.ID, Error: "unknown action: " + req.Action})
	}
}

func (s *session) handleProduce(req requestFrame) {
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		s.send(responseFrame{ID: req.ID, Error: "payload must be base64: " + err.Error()})
		return
	}
	if len(payload) > codec.MaxPayload {
		s.send(responseFrame{ID: req.ID, Error: fmt.Sprintf("payload of %d bytes exceeds max payload of %d bytes", len(payload), codec.MaxPayload)})
		return
	}
	offset, err := s.broker.Produce(req.Topic, payload)
	if err != nil {
		s.send(responseFrame{ID: req.ID, Error: err.Error()})
		return
	}
	s.send(responseFrame{ID: req.ID, Offset: offset})
}

func (s *session) handleConsume(req requestFrame) {
	max := req.Max
	if max == 0 {
		max = 100
	}
	messages, err := s.broker.Consume(req.Topic, req.StartOffset, max)
	if err != nil {
		s.send(responseFrame{ID: req.ID, Error: err.Error()})
		return
	}
	for _, m := range messages {
		s.send(responseFrame{ID: req.ID, Message: &messageFrame{
			Topic:   m.Topic,
			Offset:  m.Offset,
			Payload: base64.StdEncoding.EncodeToString(m.Payload),
		}})
	}
}

func (s *session) handleCreateTopic(req requestFrame) {
	offset, err := s.broker.CreateTopic(req.Topic)
	if err != nil {
		s.send(responseFrame{ID: req.ID, Error: err.Error()})
		return
	}
	s.send(responseFrame{ID: req.ID, Offset: offset})
}

func (s *session) handleListTopics(req requestFrame) {
	s.send(responseFrame{ID: req.ID, Topics: s.broker.ListTopics()})
}

func (s *session) handleGetOffset(req requestFrame) {
	s.send(responseFrame{ID: req.ID, Offset: s.broker.NextOffset(req.Topic)})
}

func (s *session) handleSubscribe(req requestFrame) {
	executor := model.ExecutorFunc(s.postTask)
	deliver := func(topic string, messages []model.Message) {
		for _, m := range messages {
			s.send(responseFrame{
				Event: "message",
				Message: &messageFrame{
					Topic:   topic,
					Offset:  m.Offset,
					Payload: base64.StdEncoding.EncodeToString(m.Payload),
				},
			})
		}
	}
	if err := s.broker.Subscribe(req.Topic, s.id, req.StartOffset, executor, deliver); err != nil {
		s.send(responseFrame{ID: req.ID, Error: err.Error()})
		return
	}
	s.send(responseFrame{ID: req.ID, Event: "subscribed"})
}

func (s *session) handleUnsubscribe(req requestFrame) {
	s.broker.Unsubscribe(req.Topic, s.id)
	s.send(responseFrame{ID: req.ID, Event: "unsubscribed"})
}
