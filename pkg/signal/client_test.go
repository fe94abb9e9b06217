package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/televisita/telecall/pkg/logger"
)

type relayStub struct {
	mu       sync.Mutex
	joins    []JoinRequest
	leaves   []LeaveRequest
	messages []Message
	mailbox  []Message
}

func (r *relayStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/join", func(w http.ResponseWriter, req *http.Request) {
		var jr JoinRequest
		json.NewDecoder(req.Body).Decode(&jr)
		r.mu.Lock()
		r.joins = append(r.joins, jr)
		r.mu.Unlock()
		json.NewEncoder(w).Encode(JoinResponse{Success: true, RoomState: RoomState{RoomID: jr.RoomID}})
	})
	mux.HandleFunc("/api/poll", func(w http.ResponseWriter, req *http.Request) {
		since, _ := strconv.ParseInt(req.URL.Query().Get("since"), 10, 64)
		r.mu.Lock()
		var msgs []Message
		for _, m := range r.mailbox {
			if m.Timestamp > since {
				msgs = append(msgs, m)
			}
		}
		r.mu.Unlock()
		// Mirror the relay's batch cap: oldest first, so backlogs page.
		if len(msgs) > 20 {
			msgs = msgs[:20]
		}
		json.NewEncoder(w).Encode(PollResponse{Messages: msgs, Timestamp: time.Now().UnixMilli()})
	})
	mux.HandleFunc("/api/message", func(w http.ResponseWriter, req *http.Request) {
		var msg Message
		json.NewDecoder(req.Body).Decode(&msg)
		r.mu.Lock()
		r.messages = append(r.messages, msg)
		r.mu.Unlock()
		json.NewEncoder(w).Encode(SendResponse{Success: true, MessageID: msg.Timestamp})
	})
	mux.HandleFunc("/api/leave", func(w http.ResponseWriter, req *http.Request) {
		var lr LeaveRequest
		json.NewDecoder(req.Body).Decode(&lr)
		r.mu.Lock()
		r.leaves = append(r.leaves, lr)
		r.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	return mux
}

func (r *relayStub) stock(msgs ...Message) {
	r.mu.Lock()
	r.mailbox = append(r.mailbox, msgs...)
	r.mu.Unlock()
}

func newTestClient(t *testing.T, stub *relayStub) *Client {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "room-1", "doctor-1", "doctor", logger.Discard())
	c.SetPollInterval(10 * time.Millisecond)
	return c
}

func TestClientJoinRegistersUser(t *testing.T) {
	stub := &relayStub{}
	c := newTestClient(t, stub)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Close()

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.joins) != 1 {
		t.Fatalf("expected 1 join, got %d", len(stub.joins))
	}
	jr := stub.joins[0]
	if jr.UserID != "doctor-1" || jr.RoomID != "room-1" || jr.UserType != "doctor" {
		t.Errorf("unexpected join request: %+v", jr)
	}
}

func TestClientFiltersOwnPresenceAndDuplicates(t *testing.T) {
	stub := &relayStub{}
	stub.stock(
		Message{Type: TypeUserJoined, From: "patient-1", RoomID: "room-1", Timestamp: 1},
		Message{Type: TypeCalleeJoined, From: "patient-1", RoomID: "room-1", Timestamp: 2},
		Message{Type: TypeOffer, From: "doctor-1", RoomID: "room-1", Timestamp: 3}, // own
	)
	c := newTestClient(t, stub)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Close()

	// Of the three stocked messages only the peer's callee-joined is
	// signaling addressed to us; presence and our own echo are dropped.
	select {
	case msg := <-c.Messages():
		if msg.Type != TypeCalleeJoined || msg.From != "patient-1" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected callee-joined to be delivered")
	}

	select {
	case msg := <-c.Messages():
		t.Fatalf("unexpected second delivery: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientSendFillsEnvelope(t *testing.T) {
	stub := &relayStub{}
	c := newTestClient(t, stub)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Close()

	if err := c.Send(context.Background(), Message{Type: TypeIncomingCall}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(stub.messages))
	}
	msg := stub.messages[0]
	if msg.From != "doctor-1" || msg.RoomID != "room-1" || msg.Timestamp == 0 {
		t.Errorf("envelope not filled: %+v", msg)
	}
}

func TestClientCloseLeavesRoom(t *testing.T) {
	stub := &relayStub{}
	c := newTestClient(t, stub)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	c.Close()

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.leaves) != 1 {
		t.Fatalf("expected 1 leave, got %d", len(stub.leaves))
	}

	// The stream must be closed so consumers unblock.
	if _, ok := <-c.Messages(); ok {
		t.Error("message stream should be closed after Close")
	}
}

func TestClientSendTimestampsNeverCollide(t *testing.T) {
	stub := &relayStub{}
	c := newTestClient(t, stub)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Close()

	// A candidate burst sends several messages within one millisecond;
	// each needs its own timestamp or the receiver's dedup eats them.
	for i := 0; i < 5; i++ {
		if err := c.Send(context.Background(), Message{Type: TypeCandidate}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(stub.messages))
	}
	keys := make(map[string]bool)
	for i, msg := range stub.messages {
		if i > 0 && msg.Timestamp <= stub.messages[i-1].Timestamp {
			t.Errorf("timestamp %d (%d) not after its predecessor (%d)",
				i, msg.Timestamp, stub.messages[i-1].Timestamp)
		}
		if keys[msg.DedupKey()] {
			t.Errorf("duplicate dedup key %q", msg.DedupKey())
		}
		keys[msg.DedupKey()] = true
	}
}

func TestClientPagesThroughBacklog(t *testing.T) {
	stub := &relayStub{}

	// An offer followed by a candidate storm, more than one poll batch
	// deep. Every message must surface, the offer first of all.
	stub.stock(Message{Type: TypeOffer, From: "patient-1", RoomID: "room-1", Timestamp: 1})
	for i := 2; i <= 25; i++ {
		stub.stock(Message{Type: TypeCandidate, From: "patient-1", RoomID: "room-1", Timestamp: int64(i)})
	}

	c := newTestClient(t, stub)
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Close()

	var got []Message
	deadline := time.After(3 * time.Second)
	for len(got) < 25 {
		select {
		case msg := <-c.Messages():
			got = append(got, msg)
		case <-deadline:
			t.Fatalf("expected 25 messages, got %d", len(got))
		}
	}
	if got[0].Type != TypeOffer {
		t.Errorf("first delivery = %s, expected the offer at the head of the backlog", got[0].Type)
	}
}

func TestClientDebugSignalCategory(t *testing.T) {
	tests := []struct {
		name     string
		category logger.DebugCategory
		expect   bool
	}{
		{"enabled", logger.DebugSignal, true},
		{"other category", logger.DebugICE, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.log")
			cfg := logger.NewConfig()
			cfg.Level = logger.LevelDebug
			cfg.OutputFile = path
			cfg.EnableCategory(tt.category)
			log, err := logger.New(cfg)
			if err != nil {
				t.Fatalf("logger: %v", err)
			}

			stub := &relayStub{}
			stub.stock(Message{Type: TypeCalleeJoined, From: "patient-1", RoomID: "room-1", Timestamp: 1})
			srv := httptest.NewServer(stub.handler())
			defer srv.Close()

			c := NewClient(srv.URL, "room-1", "doctor-1", "doctor", log)
			c.SetPollInterval(10 * time.Millisecond)
			if err := c.Join(context.Background()); err != nil {
				t.Fatalf("Join: %v", err)
			}
			select {
			case <-c.Messages():
			case <-time.After(2 * time.Second):
				t.Fatal("message not delivered")
			}
			c.Close()
			log.Close()

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read log: %v", err)
			}
			if got := strings.Contains(string(data), "message received"); got != tt.expect {
				t.Errorf("signal debug logged = %v, expected %v\n%s", got, tt.expect, data)
			}
		})
	}
}

func TestClientJoinIdempotent(t *testing.T) {
	stub := &relayStub{}
	c := newTestClient(t, stub)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("second Join: %v", err)
	}
	defer c.Close()

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.joins) != 1 {
		t.Fatalf("expected a single join, got %d", len(stub.joins))
	}
}
