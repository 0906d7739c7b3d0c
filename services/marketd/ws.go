package marketd

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const (
	streamBatch        = 256
	streamWriteTimeout = 5 * time.Second
)

// handleStream upgrades to a websocket and sends every record after the
// requested cursor, then follows the feed. With ?consumer=name the cursor is
// loaded from and saved to the log so a reconnecting consumer resumes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	consumer := strings.TrimSpace(r.URL.Query().Get("consumer"))
	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if consumer != "" && r.URL.Query().Get("cursor") == "" {
		cursor, err = s.events.Cursor(r.Context(), consumer)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "load cursor")
			return
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Inbound frames are ignored; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, cursor, consumer); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, cursor int64, consumer string) error {
	for {
		wake := s.feed.Wait()
		batch, ok := s.feed.Since(cursor)
		if !ok {
			var err error
			batch, err = s.events.After(ctx, cursor, streamBatch)
			if err != nil {
				return err
			}
		}
		for _, rec := range batch {
			if err := writeRecord(ctx, conn, rec); err != nil {
				return err
			}
			cursor = rec.Sequence
		}
		if consumer != "" && len(batch) > 0 {
			if err := s.events.SaveCursor(ctx, consumer, cursor); err != nil {
				return err
			}
		}
		if !ok && len(batch) == streamBatch {
			continue
		}
		if len(batch) > 0 && cursor < s.feed.Last() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseCursor(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errInvalidCursor
	}
	return v, nil
}
