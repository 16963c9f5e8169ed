package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/sse"
)

const defaultHeartbeat = 25 * time.Second

type PaymentStream interface {
	Subscribe(ctx context.Context, ref string) <-chan sse.PaymentEvent
}

// StatusStream serves GET /api/payment/events as Server-Sent Events. It sends the current status
// first, then every settled outcome for the reference, and ends after a final one.
type StatusStream struct {
	Checkout  Checkout
	Streams   PaymentStream
	Logger    *logger.Logger
	Heartbeat time.Duration
}

func (s *StatusStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("payment_ref")
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse("payment_ref is required", ""))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse("Streaming unsupported", ""))
		return
	}

	ctx := r.Context()
	// subscribe before the snapshot so an outcome landing in between is not lost
	events := s.Streams.Subscribe(ctx, ref)

	current, err := s.Checkout.GetStatus(ctx, ref)
	if err != nil {
		(&Handler{Logger: s.Logger}).fail(w, "StatusStream", err)
		return
	}

	// the server's WriteTimeout would cut the stream
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	s.Logger.Info("SSE", fmt.Sprintf("Client waiting on payment %s", ref))

	writeEvent(w, "status", current)
	flusher.Flush()
	if finalStatus(current.PaymentStatus) {
		return
	}

	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, "payment", ev)
			flusher.Flush()
			if ev.Final() {
				s.Logger.Debug("SSE", fmt.Sprintf("Payment %s settled as %s, closing stream", ref, ev.PaymentStatus))
				return
			}
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-ctx.Done():
			s.Logger.Debug("SSE", fmt.Sprintf("Client left payment %s", ref))
			return
		}
	}
}

func finalStatus(st string) bool {
	return st == string(models.PaymentSucceeded) || st == string(models.PaymentFailed)
}

func writeEvent(w http.ResponseWriter, name string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
