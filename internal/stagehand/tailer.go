package stagehand

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// StreamPassage is one event from the live story stream.
type StreamPassage struct {
	Type        string    `json:"type"`
	WorldID     string    `json:"world_id"`
	Ordinal     int       `json:"ordinal"`
	Narrative   string    `json:"narrative"`
	ConflictTag string    `json:"conflict_tag"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tail follows the world's passage stream, invoking fn for each committed
// passage, until the context is canceled or the server closes the stream.
func Tail(ctx context.Context, baseURL, world string, fn func(StreamPassage)) error {
	wsURL, err := streamURL(baseURL, world)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Closing the conn is the only way to abort a blocked read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("stream read: %w", err)
		}
		var ev StreamPassage
		if err := json.Unmarshal(msg, &ev); err != nil || ev.Type != "passage" {
			continue
		}
		fn(ev)
	}
}

// streamURL derives the websocket endpoint from the HTTP base URL.
func streamURL(baseURL, world string) (string, error) {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/api/v1/worlds/" + world + "/stream", nil
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/api/v1/worlds/" + world + "/stream", nil
	default:
		return "", fmt.Errorf("base url %q must start with http:// or https://", baseURL)
	}
}
