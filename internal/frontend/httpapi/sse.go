package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/eventlogio/eventlog/internal/model"
)

func newClientIDGenerator() func() string {
	return func() string { return uuid.NewString() }
}

// handleStream serves a long-lived Server-Sent Events connection delivering
// every new message on topic from start_offset onward, in the event/data
// framing established by the pack's SSE handler.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	startOffset, err := parseUintQuery(r, "start_offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientID := s.nextClientID()
	ctx, cancel := context.WithTimeout(r.Context(), s.sseMaxLife)
	defer cancel()

	// tasks is this connection's single-goroutine strand: OnNewMessage may
	// call Post from concurrent producer goroutines, but draining tasks one
	// at a time on one goroutine is what keeps this subscriber's deliveries
	// in offset order, per spec.md §4.4/§9 -- posting via a bare `go task()`
	// would let two deliveries race to write to events out of order.
	tasks := make(chan func(), 64)
	go func() {
		for {
			select {
			case task, ok := <-tasks:
				if !ok {
					return
				}
				task()
			case <-ctx.Done():
				return
			}
		}
	}()
	executor := model.ExecutorFunc(func(task func()) {
		select {
		case tasks <- task:
		case <-ctx.Done():
		}
	})

	events := make(chan model.Message, 64)
	deliver := func(_ string, messages []model.Message) {
		for _, m := range messages {
			select {
			case events <- m:
			case <-ctx.Done():
				return
			}
		}
	}

	if err := s.broker.Subscribe(topic, clientID, startOffset, executor, deliver); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	defer s.broker.UnsubscribeAll(clientID)

	keepAlive := time.NewTicker(s.sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: data\ndata: {\"offset\":%d,\"payload\":%q}\n\n", m.Offset, base64.StdEncoding.EncodeToString(m.Payload))
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
