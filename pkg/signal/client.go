package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/televisita/telecall/pkg/logger"
)

// ErrRelayUnreachable wraps network-level failures talking to the relay.
// Fatal during negotiation, harmless once a call is connected.
var ErrRelayUnreachable = errors.New("relay unreachable")

const (
	// DefaultPollInterval matches the relay's expected polling cadence.
	DefaultPollInterval = 1 * time.Second

	// seenCap bounds the dedup set; on overflow it compacts to the
	// most recent half.
	seenCap = 100

	// Outbound sends are smoothed so a candidate burst cannot flood the
	// relay mailbox. 20 msg/s with a burst of 10 is far above what one
	// negotiation produces.
	sendRate  = 20
	sendBurst = 10
)

// Client talks to the relay mailbox over HTTP: join/leave a room, send
// control messages, and consume the inbound message stream produced by a
// fixed-interval poll loop. Duplicate deliveries, own messages, and pure
// presence events are filtered before they reach the consumer.
type Client struct {
	baseURL      string
	roomID       string
	userID       string
	userType     string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *logger.Logger
	limiter      *rate.Limiter

	mu     sync.Mutex
	seen   *seenSet
	joined bool
	// lastTS makes outbound timestamps strictly monotonic. Two candidates
	// sent within one millisecond would otherwise share a dedup key and
	// the second would vanish at the receiver.
	lastTS int64

	// sinceTS is the poll cursor, advanced past every returned message so
	// a backlog deeper than one poll batch pages through. Only touched by
	// the poll loop.
	sinceTS int64

	msgs   chan Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a relay client for one user in one room.
// The inbound stream starts on Join.
func NewClient(baseURL, roomID, userID, userType string, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		baseURL:      baseURL,
		roomID:       roomID,
		userID:       userID,
		userType:     userType,
		pollInterval: DefaultPollInterval,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:  log,
		limiter: rate.NewLimiter(rate.Limit(sendRate), sendBurst),
		seen:    newSeenSet(seenCap),
		msgs:    make(chan Message, 32),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetPollInterval overrides the 1s default. Must be called before Join.
func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// UserID returns the local user identifier the client joined with.
func (c *Client) UserID() string { return c.userID }

// RoomID returns the room this client is bound to.
func (c *Client) RoomID() string { return c.roomID }

// Join registers the user in the room and starts the poll loop.
// Idempotent: a second call is a no-op.
func (c *Client) Join(ctx context.Context) error {
	started, err := c.joinRoom(ctx)
	if err != nil {
		return err
	}
	if started {
		c.wg.Add(1)
		go c.pollLoop()
	}
	return nil
}

// joinRoom performs the HTTP join and reports whether this call was the one
// that transitioned the client to joined (so exactly one stream starts).
func (c *Client) joinRoom(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	body, err := json.Marshal(JoinRequest{
		UserID:   c.userID,
		RoomID:   c.roomID,
		UserType: c.userType,
	})
	if err != nil {
		return false, fmt.Errorf("marshal join request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/join", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: join: %v", ErrRelayUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read join response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("join failed: %s (status %d)", respBody, resp.StatusCode)
	}

	var joinResp JoinResponse
	if err := json.Unmarshal(respBody, &joinResp); err != nil {
		return false, fmt.Errorf("decode join response: %w", err)
	}

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()

	c.logger.Info("joined room",
		"room_id", c.roomID,
		"user_id", c.userID,
		"peers", len(joinResp.RoomState.Users))

	return true, nil
}

// Send posts a control message to the relay. From, RoomID and Timestamp are
// filled in when unset. Failures are returned for logging by the caller;
// signaling tolerates lost sends (the relay is only needed during
// negotiation), so callers treat this as fire-and-forget.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = c.userID
	}
	if msg.RoomID == "" {
		msg.RoomID = c.roomID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = c.nextTimestamp()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate wait: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrRelayUnreachable, msg.Type, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send %s failed: %s (status %d)", msg.Type, respBody, resp.StatusCode)
	}

	c.logger.DebugSignal("message sent", "type", msg.Type, "room_id", c.roomID, "timestamp", msg.Timestamp)
	return nil
}

// nextTimestamp returns the current time in milliseconds, nudged forward
// when needed so no two messages from this client share a timestamp.
func (c *Client) nextTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Now().UnixMilli()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	return ts
}

// Messages returns the inbound stream of control messages for the session
// to consume. The channel is closed by Close.
func (c *Client) Messages() <-chan Message {
	return c.msgs
}

// Leave notifies the relay that the user is leaving. Best-effort: errors
// are logged and swallowed since the page may already be closing.
func (c *Client) Leave() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	body, err := json.Marshal(LeaveRequest{UserID: c.userID, RoomID: c.roomID})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/leave", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("leave failed", "error", err)
		return
	}
	resp.Body.Close()

	c.logger.Info("left room", "room_id", c.roomID, "user_id", c.userID)
}

// Close stops the poll loop, leaves the room and closes the message stream.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	wasJoined := c.joined
	c.joined = false
	c.mu.Unlock()

	if wasJoined {
		c.Leave()
	}
	close(c.msgs)
}

// pollLoop fetches the mailbox on a fixed interval until Close.
func (c *Client) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.poll(); err != nil {
				c.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// poll fetches pending messages newer than the cursor and delivers the ones
// that survive filtering. The cursor advances past everything returned, so a
// backlog larger than one batch drains over successive polls instead of the
// oldest entries being shadowed forever. Dedup still covers redelivery.
func (c *Client) poll() error {
	q := url.Values{}
	q.Set("userId", c.userID)
	q.Set("roomId", c.roomID)
	q.Set("since", strconv.FormatInt(c.sinceTS, 10))

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.baseURL+"/api/poll?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: poll: %v", ErrRelayUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("poll failed: %s (status %d)", respBody, resp.StatusCode)
	}

	var pollResp PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pollResp); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}

	for _, msg := range pollResp.Messages {
		if msg.Timestamp > c.sinceTS {
			c.sinceTS = msg.Timestamp
		}
		c.deliver(msg)
	}
	return nil
}

// deliver applies the filter/dedup pipeline and hands the message to the
// consumer. Shared by the poll loop and the WebSocket stream.
func (c *Client) deliver(msg Message) {
	// Own messages and pure presence events are not signaling.
	if msg.From == c.userID || msg.Type.IsPresence() {
		return
	}

	c.mu.Lock()
	fresh := c.seen.Add(msg.DedupKey())
	c.mu.Unlock()
	if !fresh {
		return
	}

	c.logger.DebugSignal("message received", "type", msg.Type, "from", msg.From, "timestamp", msg.Timestamp)

	select {
	case c.msgs <- msg:
	case <-c.ctx.Done():
	}
}
