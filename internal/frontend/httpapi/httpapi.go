// Package httpapi exposes the broker over REST for request/response
// operations and Server-Sent Events for push delivery, grounded on the
// plain net/http + encoding/json style used across the retrieval pack's
// HTTP code (no third-party router or JSON library appears anywhere in it).
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eventlogio/eventlog/internal/brokererr"
	"github.com/eventlogio/eventlog/internal/codec"
	"github.com/eventlogio/eventlog/internal/model"
)

// defaultMaxMessages and maxMessagesCap mirror spec.md §4.5/§6: consume
// defaults to 100 messages and, at this front-end, is capped at 1000
// regardless of what the client requests.
const (
	defaultMaxMessages = 100
	maxMessagesCap     = 1000
)

// maxProduceBodyBytes bounds the raw JSON request body for a produce call:
// codec.MaxPayload worth of base64 (4 bytes per 3 raw bytes, rounded up)
// plus slack for the surrounding JSON object, so a client can't force the
// server to buffer an arbitrarily large body before the payload-length
// check below ever runs.
const maxProduceBodyBytes = (codec.MaxPayload/3+1)*4 + 1024

// BrokerAPI is the subset of internal/broker.Broker the HTTP front-end uses.
type BrokerAPI interface {
	Produce(topic string, payload []byte) (uint64, error)
	Consume(topic string, startOffset uint64, max uint32) ([]model.Message, error)
	CreateTopic(topic string) (uint64, error)
	ListTopics() []string
	NextOffset(topic string) uint64
	Subscribe(topic, subscriberID string, startOffset uint64, executor model.Executor, deliver model.DeliveryFunc) error
	UnsubscribeAll(subscriberID string)
}

// Server wires a BrokerAPI to a *http.ServeMux.
type Server struct {
	broker        BrokerAPI
	logger        *slog.Logger
	sseKeepAlive  time.Duration
	sseMaxLife    time.Duration
	nextClientID  func() string
}

// Option configures a Server.
type Option func(*Server)

// WithSSETimings overrides the SSE keep-alive ping interval and the
// connection's maximum lifetime before the server closes it, forcing the
// client to reconnect (spec.md's front-ends never block forever).
func WithSSETimings(keepAlive, maxLife time.Duration) Option {
	return func(s *Server) { s.sseKeepAlive = keepAlive; s.sseMaxLife = maxLife }
}

// NewServer builds an httpapi.Server over broker.
func NewServer(broker BrokerAPI, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		broker:       broker,
		logger:       logger.With("frontend", "http"),
		sseKeepAlive: 15 * time.Second,
		sseMaxLife:   10 * time.Minute,
		nextClientID: newClientIDGenerator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the *http.ServeMux routing every REST + SSE endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /topics/{topic}/messages", s.handleProduce)
	mux.HandleFunc("GET /topics/{topic}/messages", s.handleConsume)
	mux.HandleFunc("GET /topics/{topic}/stream", s.handleStream)
	mux.HandleFunc("PUT /topics/{topic}", s.handleCreateTopic)
	mux.HandleFunc("GET /topics/{topic}/offset", s.handleGetOffset)
	mux.HandleFunc("GET /topics", s.handleListTopics)
	return mux
}

type produceRequestBody struct {
	// Payload is base64-encoded, since spec.md's payloads are opaque
	// bytes and not every producer's data is valid UTF-8 JSON.
	Payload string `json:"payload"`
}

type produceResponseBody struct {
	Offset uint64 `json:"offset"`
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	r.Body = http.MaxBytesReader(w, r.Body, maxProduceBodyBytes)
	var body produceRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	payload, err := base64.StdEncoding.DecodeString(body.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload must be base64-encoded: "+err.Error())
		return
	}
	if len(payload) > codec.MaxPayload {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("payload of %d bytes exceeds max payload of %d bytes", len(payload), codec.MaxPayload))
		return
	}

	offset, err := s.broker.Produce(topic, payload)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, produceResponseBody{Offset: offset})
}

type messageBody struct {
	Offset  uint64 `json:"offset"`
	Payload string `json:"payload"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	startOffset, err := parseUintQuery(r, "start_offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	max, err := parseUintQuery(r, "max", defaultMaxMessages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if max > maxMessagesCap {
		max = maxMessagesCap
	}

	messages, err := s.broker.Consume(topic, startOffset, uint32(max))
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageBodies(messages))
}

func toMessageBodies(messages []model.Message) []messageBody {
	bodies := make([]messageBody, len(messages))
	for i, m := range messages {
		bodies[i] = messageBody{Offset: m.Offset, Payload: base64.StdEncoding.EncodeToString(m.Payload)}
	}
	return bodies
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	offset, err := s.broker.CreateTopic(topic)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, produceResponseBody{Offset: offset})
}

func (s *Server) handleGetOffset(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	writeJSON(w, http.StatusOK, produceResponseBody{Offset: s.broker.NextOffset(topic)})
}

type listTopicsResponseBody struct {
	Topics []string `json:"topics"`
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listTopicsResponseBody{Topics: s.broker.ListTopics()})
}

func parseUintQuery(r *http.Request, key string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case brokererr.Is(err, brokererr.TopicNotFound):
		status = http.StatusNotFound
	case brokererr.Is(err, brokererr.InvalidArgument):
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
