package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// Server-sent event streams
// ============================================================

// SSE event names.
const (
	EventProfile   = "profile"
	EventRecord    = "record"
	EventError     = "error"
	EventHeartbeat = "heartbeat"
)

const defaultHeartbeat = 25 * time.Second

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the stream headers and flushes them.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// send writes one event. A zero id is omitted. Write errors mean the client
// went away.
func (s *sseWriter) send(event string, id uint64, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// latest is a one-slot mailbox that keeps only the newest value.
// put never blocks; it is called from watcher callbacks, which never run
// concurrently.
type latest[T any] chan T

func (l latest[T]) put(v T) {
	select {
	case <-l:
	default:
	}
	l <- v
}

func heartbeatInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultHeartbeat
	}
	return d
}

type streamError struct {
	Error string `json:"error"`
}

// profileStreamHandler streams the caller's profile and scope. The watcher is
// stopped when the client disconnects.
func profileStreamHandler(svc Services, metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		principal := PrincipalFromContext(ctx)

		updates := make(latest[service.ProfileUpdate], 1)
		watcher := service.NewProfileWatcher(svc.Docs, svc.Profiles.Policy(), metrics, logger)
		if err := watcher.Start(ctx, principal, updates.put); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		defer watcher.Stop()

		sse, ok := newSSEWriter(w)
		if !ok {
			return
		}
		logger.Debug("profile stream opened", zap.String("email", principal.Email))

		heartbeat := time.NewTicker(heartbeatInterval(svc.SSEHeartbeat))
		defer heartbeat.Stop()

		for {
			var err error
			select {
			case <-ctx.Done():
				logger.Debug("profile stream closed", zap.String("email", principal.Email))
				return
			case <-heartbeat.C:
				err = sse.send(EventHeartbeat, 0, map[string]any{})
			case u := <-updates:
				if u.Err != nil {
					err = sse.send(EventError, u.Version, streamError{Error: u.Err.Error()})
				} else {
					err = sse.send(EventProfile, u.Version, u)
				}
			}
			if err != nil {
				logger.Debug("profile stream: client gone", zap.Error(err))
				return
			}
		}
	}
}

// recordStreamHandler streams one sales record with its sub-collections.
// Access is checked once when the stream opens.
func recordStreamHandler(svc Services, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		ref, err := recordRef(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if _, err := svc.Lifecycle.GetRecord(ctx, ProfileFromContext(ctx), ref); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		views := make(latest[service.RecordView], 1)
		failures := make(latest[error], 1)
		watcher := service.NewRecordWatcher(svc.Docs, logger)
		if err := watcher.Watch(ctx, ref, views.put, failures.put); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		defer watcher.Stop()

		sse, ok := newSSEWriter(w)
		if !ok {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval(svc.SSEHeartbeat))
		defer heartbeat.Stop()

		for {
			var err error
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				err = sse.send(EventHeartbeat, 0, map[string]any{})
			case v := <-views:
				err = sse.send(EventRecord, v.Version, v)
			case f := <-failures:
				err = sse.send(EventError, 0, streamError{Error: f.Error()})
			}
			if err != nil {
				logger.Debug("record stream: client gone", zap.Error(err))
				return
			}
		}
	}
}
