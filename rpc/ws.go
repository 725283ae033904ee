package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"nhooyr.io/websocket"

	"possession/core"
)

const (
	wsWriteTimeout = 10 * time.Second
	streamMeter    = "possession/rpc"
	streamGauge    = "possession.rpc.event_streams"
)

var (
	streamMetricsOnce sync.Once
	activeStreams     metric.Int64UpDownCounter
)

func eventStreams() metric.Int64UpDownCounter {
	streamMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(streamMeter)
		counter, err := meter.Int64UpDownCounter(streamGauge, metric.WithDescription("Open committed-event websocket streams."))
		if err != nil {
			fallback := noop.NewMeterProvider().Meter(streamMeter)
			counter, _ = fallback.Int64UpDownCounter(streamGauge)
		}
		activeStreams = counter
	})
	return activeStreams
}

// handleEventsWS streams committed events over a websocket. The optional
// after query parameter resumes from a previously seen sequence.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "after must be a sequence number", http.StatusBadRequest)
			return
		}
		after = parsed
	}
	if !s.allowSource(clientSource(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	attrs := metric.WithAttributes(attribute.String("stream", "events"))
	eventStreams().Add(r.Context(), 1, attrs)
	defer eventStreams().Add(context.Background(), -1, attrs)

	if err := s.streamEvents(r.Context(), conn, after); err != nil {
		s.logger.Debug("event stream ended", slog.String("requestId", requestID(r.Context())), slog.Any("error", err))
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64) error {
	ctx = conn.CloseRead(ctx)
	updates, cancel, backlog, err := s.node.SubscribeEvents(ctx, after)
	if err != nil {
		return err
	}
	defer cancel()

	for _, rec := range backlog {
		if err := writeRecordedEvent(ctx, conn, rec); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeRecordedEvent(ctx, conn, rec); err != nil {
				return err
			}
		}
	}
}

func writeRecordedEvent(ctx context.Context, conn *websocket.Conn, rec core.RecordedEvent) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
