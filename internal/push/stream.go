package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// Lister reads a recipient's notifications for replay.
type Lister interface {
	ListForRecipient(ctx context.Context, q store.NotificationQuery) ([]store.Notification, error)
}

// StreamConfig tunes the stream handler.
type StreamConfig struct {
	ReplayLimit       int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// maxCatchUp bounds the Last-Event-ID catch-up read.
const maxCatchUp = 500

// StreamHandler serves the SSE endpoint. userID extracts the authenticated
// user from the request; requests without one get 401.
func StreamHandler(hub *Hub, lister Lister, cfg StreamConfig, userID func(*http.Request) (string, bool), logger *slog.Logger) http.HandlerFunc {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 50
	}

	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := r.Context()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")

		// Registered before the replay read so nothing created in between is
		// missed. Overlap is possible; clients dedupe by id.
		conn := hub.Register(uid)
		defer hub.Unregister(conn)

		sw := &sseWriter{w: w, rc: http.NewResponseController(w), timeout: cfg.WriteTimeout}
		w.WriteHeader(http.StatusOK)

		if err := sw.event("connected", "", map[string]string{
			"connection_id": conn.ID,
			"user_id":       uid,
		}); err != nil {
			return
		}

		lastSeq, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
		replay, err := Replay(ctx, lister, uid, cfg.ReplayLimit, lastSeq)
		if err != nil {
			logger.Error("push replay failed", "user_id", uid, "error", err)
			replay = []store.Notification{}
		}
		id := ""
		if len(replay) > 0 {
			id = strconv.FormatInt(replay[len(replay)-1].Seq, 10)
		}
		if err := sw.event("recent_notifications", id, replay); err != nil {
			return
		}

		logger.Debug("Push connection open", "user_id", uid, "connection_id", conn.ID, "replayed", len(replay))
		defer logger.Debug("Push connection closed", "user_id", uid, "connection_id", conn.ID)

		heartbeat := time.NewTicker(cfg.HeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if err := sw.comment("heartbeat"); err != nil {
					return
				}
			case <-conn.Ready():
				for _, n := range conn.Drain() {
					if err := sw.event("notification", strconv.FormatInt(n.Seq, 10), n); err != nil {
						return
					}
				}
			}
		}
	}
}

// Replay returns the catch-up set for a (re)connecting user: the limit most
// recent unread notifications plus everything after lastSeq, ordered by seq.
func Replay(ctx context.Context, lister Lister, userID string, limit int, lastSeq int64) ([]store.Notification, error) {
	unread, err := lister.ListForRecipient(ctx, store.NotificationQuery{
		RecipientID: userID,
		UnreadOnly:  true,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}

	byID := make(map[string]store.Notification, len(unread))
	for _, n := range unread {
		byID[n.ID] = n
	}

	if lastSeq > 0 {
		after, err := lister.ListForRecipient(ctx, store.NotificationQuery{
			RecipientID: userID,
			AfterSeq:    lastSeq,
			Limit:       maxCatchUp,
		})
		if err != nil {
			return nil, fmt.Errorf("list after %d: %w", lastSeq, err)
		}
		for _, n := range after {
			byID[n.ID] = n
		}
	}

	out := make([]store.Notification, 0, len(byID))
	for _, n := range byID {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b store.Notification) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out, nil
}

// --------------------------------------------------------------------------
// Frame writer
// --------------------------------------------------------------------------

type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (s *sseWriter) event(name, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	frame := ""
	if id != "" {
		frame += "id: " + id + "\n"
	}
	frame += "event: " + name + "\ndata: " + string(data) + "\n\n"
	return s.write(frame)
}

func (s *sseWriter) comment(text string) error {
	return s.write(": " + text + "\n\n")
}

// write sends one frame under a deadline and flushes it.
func (s *sseWriter) write(frame string) error {
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
