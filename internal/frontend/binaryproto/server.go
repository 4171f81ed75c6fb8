package binaryproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/eventlogio/eventlog/internal/brokererr"
	"github.com/eventlogio/eventlog/internal/model"
)

// BrokerAPI is the subset of internal/broker.Broker the TCP front-end uses.
type BrokerAPI interface {
	Produce(topic string, payload []byte) (uint64, error)
	Consume(topic string, startOffset uint64, max uint32) ([]model.Message, error)
	CreateTopic(topic string) (uint64, error)
	ListTopics() []string
	NextOffset(topic string) uint64
}

// Server accepts TCP connections and serves the binary protocol against a
// Broker, one goroutine per connection -- the Go analogue of TcpServer's
// one-session-per-socket model.
type Server struct {
	addr   string
	broker BrokerAPI
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server bound to addr (host:port).
func NewServer(addr string, broker BrokerAPI, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, broker: broker, logger: logger.With("frontend", "tcp")}
}

// Serve blocks accepting connections until ctx is cancelled or listening
// fails. Each accepted connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binaryproto: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("listening", "addr", s.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("binaryproto: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("remote", conn.RemoteAddr())
	logger.Info("session started")

	r := bufio.NewReader(conn)
	for {
		if err := s.handleOneRequest(conn, r, logger); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("client closed connection")
			} else {
				logger.Warn("session ended", "error", err)
			}
			return
		}
	}
}

func (s *Server) handleOneRequest(conn net.Conn, r *bufio.Reader, logger *slog.Logger) error {
	headerBuf := make([]byte, RequestHeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return err
	}
	header, err := DecodeRequestHeader(headerBuf)
	if err != nil {
		return err
	}

	const maxPayload = 64 * 1024 * 1024
	if header.PayloadLength > maxPayload {
		return s.sendError(conn, header.Type, StatusPayloadTooLarge, "request payload too large")
	}

	payload := make([]byte, header.PayloadLength)
	if header.PayloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
	}

	s.dispatch(conn, header, payload, logger)
	return nil
}

func (s *Server) dispatch(conn net.Conn, header RequestHeader, payload []byte, logger *slog.Logger) {
	switch header.Type {
	case CmdProduceRequest:
		s.handleProduce(conn, payload, logger)
	case CmdConsumeRequest:
		s.handleConsume(conn, payload, logger)
	case CmdGetTopicOffsetReq:
		s.handleGetTopicOffset(conn, payload, logger)
	case CmdCreateTopicRequest:
		s.handleCreateTopic(conn, payload, logger)
	case CmdListTopicsRequest:
		s.handleListTopics(conn, logger)
	default:
		s.sendError(conn, header.Type, StatusUnknownCommand, fmt.Sprintf("unknown command type %#x", header.Type))
	}
}

func (s *Server) handleProduce(conn net.Conn, payload []byte, logger *slog.Logger) {
	req, err := DecodeProduceRequest(payload)
	if err != nil {
		s.sendError(conn, CmdProduceRequest, StatusSerializationError, err.Error())
		return
	}
	offset, err := s.broker.Produce(req.Topic, req.Payload)
	if err != nil {
		s.sendBrokerError(conn, CmdProduceRequest, err, logger)
		return
	}
	body, err := ProduceResponse{Offset: offset}.Encode()
	if err != nil {
		s.sendError(conn, CmdProduceRequest, StatusInternalServerError, err.Error())
		return
	}
	s.send(conn, CmdProduceResponse, StatusSuccess, body)
}

func (s *Server) handleConsume(conn net.Conn, payload []byte, logger *slog.Logger) {
	req, err := DecodeConsumeRequest(payload)
	if err != nil {
		s.sendError(conn, CmdConsumeRequest, StatusSerializationError, err.Error())
		return
	}
	messages, err := s.broker.Consume(req.Topic, req.StartOffset, req.MaxMessages)
	if err != nil {
		s.sendBrokerError(conn, CmdConsumeRequest, err, logger)
		return
	}
	body, err := ConsumeResponse{Messages: messages}.Encode()
	if err != nil {
		s.sendError(conn, CmdConsumeRequest, StatusInternalServerError, err.Error())
		return
	}
	s.send(conn, CmdConsumeResponse, StatusSuccess, body)
}

func (s *Server) handleGetTopicOffset(conn net.Conn, payload []byte, logger *slog.Logger) {
	req, err := DecodeTopicNameRequest(payload)
	if err != nil {
		s.sendError(conn, CmdGetTopicOffsetReq, StatusSerializationError, err.Error())
		return
	}
	body, err := OffsetResponse{Offset: s.broker.NextOffset(req.Topic)}.Encode()
	if err != nil {
		s.sendError(conn, CmdGetTopicOffsetReq, StatusInternalServerError, err.Error())
		return
	}
	s.send(conn, CmdGetTopicOffsetResp, StatusSuccess, body)
}

func (s *Server) handleCreateTopic(conn net.Conn, payload []byte, logger *slog.Logger) {
	req, err := DecodeTopicNameRequest(payload)
	if err != nil {
		s.sendError(conn, CmdCreateTopicRequest, StatusSerializationError, err.Error())
		return
	}
	offset, err := s.broker.CreateTopic(req.Topic)
	if err != nil {
		s.sendBrokerError(conn, CmdCreateTopicRequest, err, logger)
		return
	}
	body, err := OffsetResponse{Offset: offset}.Encode()
	if err != nil {
		s.sendError(conn, CmdCreateTopicRequest, StatusInternalServerError, err.Error())
		return
	}
	s.send(conn, CmdCreateTopicResponse, StatusSuccess, body)
}

func (s *Server) handleListTopics(conn net.Conn, logger *slog.Logger) {
	topics := s.broker.ListTopics()
	body, err := ListTopicsResponse{Topics: topics}.Encode()
	if err != nil {
		s.sendError(conn, CmdListTopicsRequest, StatusInternalServerError, err.Error())
		return
	}
	s.send(conn, CmdListTopicsResponse, StatusSuccess, body)
}

func (s *Server) sendBrokerError(conn net.Conn, requestType CommandType, err error, logger *slog.Logger) {
	status := StatusInternalServerError
	switch {
	case brokererr.Is(err, brokererr.TopicNotFound):
		status = StatusTopicNotFound
	case brokererr.Is(err, brokererr.InvalidArgument):
		status = StatusInvalidRequest
	}
	logger.Warn("request failed", "error", err)
	s.sendError(conn, requestType, status, err.Error())
}

func (s *Server) sendError(conn net.Conn, requestType CommandType, status StatusCode, message string) error {
	body, err := ErrorResponsePayload{Message: message}.Encode()
	if err != nil {
		return err
	}
	return s.send(conn, CmdErrorResponse, status, body)
}

func (s *Server) send(conn net.Conn, responseType CommandType, status StatusCode, body []byte) error {
	header := EncodeResponseHeader(ResponseHeader{Type: responseType, Status: status, PayloadLength: uint32(len(body))})
	if _, err := conn.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return err
		}
	}
	return nil
}
