package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/televisita/telecall/pkg/logger"
)

// WSClient is a push-based relay client: same join/send/leave surface and
// the same Messages() stream contract as Client, but inbound messages
// arrive over a long-lived WebSocket instead of the 1s poll. The session
// only depends on the stream contract, so the two are interchangeable.
type WSClient struct {
	*Client
	conn *websocket.Conn
}

// NewWSClient creates a push-based relay client for one user in one room.
func NewWSClient(baseURL, roomID, userID, userType string, log *logger.Logger) *WSClient {
	return &WSClient{
		Client: NewClient(baseURL, roomID, userID, userType, log),
	}
}

// Join registers the user in the room over HTTP, then opens the WebSocket
// stream. Idempotent: a second call is a no-op.
func (w *WSClient) Join(ctx context.Context) error {
	started, err := w.joinRoom(ctx)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	wsURL, err := streamURL(w.baseURL, w.roomID, w.userID)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("%w: dial stream: %v", ErrRelayUnreachable, err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return fmt.Errorf("dial stream: unexpected status %d", resp.StatusCode)
	}
	w.conn = conn

	w.logger.Info("message stream open", "room_id", w.roomID, "user_id", w.userID)

	w.wg.Add(1)
	go w.readLoop()

	return nil
}

// Close tears down the WebSocket, leaves the room and closes the stream.
func (w *WSClient) Close() {
	if w.conn != nil {
		// Unblocks ReadJSON so the read loop can observe cancellation.
		w.conn.Close()
	}
	w.Client.Close()
}

// readLoop feeds inbound frames through the same filter/dedup pipeline as
// the poll loop.
func (w *WSClient) readLoop() {
	defer w.wg.Done()

	for {
		var msg Message
		if err := w.conn.ReadJSON(&msg); err != nil {
			select {
			case <-w.ctx.Done():
			default:
				w.logger.Warn("message stream closed", "error", err)
			}
			return
		}
		w.deliver(msg)
	}
}

// streamURL converts the relay base URL into the ws:// (or wss://)
// endpoint for the push stream.
func streamURL(baseURL, roomID, userID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		if !strings.HasPrefix(u.Scheme, "ws") {
			return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
		}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws"
	q := u.Query()
	q.Set("userId", userID)
	q.Set("roomId", roomID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
