package api

import (
	"errors"
	"sync"
	"time"

	"github.com/televisita/telecall/pkg/signal"
)

const (
	// roomCapacity bounds a consultation room to its two participants.
	// A third join attempt is rejected rather than silently allowed.
	roomCapacity = 2

	// maxStoredMessages caps the per-room mailbox.
	maxStoredMessages = 100

	// maxPollBatch caps how many messages a single poll returns.
	maxPollBatch = 20

	// userTimeout is how long a user may go without a ping/poll before
	// the cleanup loop evicts them.
	userTimeout = 30 * time.Second
)

var (
	// ErrRoomFull is returned when a third participant tries to join.
	ErrRoomFull = errors.New("room full")

	// ErrRoomNotFound is returned for operations on unknown rooms.
	ErrRoomNotFound = errors.New("room not found")
)

type userEntry struct {
	userType string
	joinedAt int64
	lastSeen time.Time
}

type room struct {
	users    map[string]*userEntry
	messages []signal.Message
	// pendingCall holds the most recent incoming-call so a callee who
	// joins after the caller dialed still receives it.
	pendingCall *signal.Message
	// subs fan inbound messages out to WebSocket subscribers.
	subs map[string]chan signal.Message
}

// roomStore is the in-memory mailbox state: rooms with their participants,
// message history and push subscribers.
type roomStore struct {
	mu       sync.Mutex
	rooms    map[string]*room
	sessions map[string]string // userId -> roomId
	now      func() time.Time
}

func newRoomStore() *roomStore {
	return &roomStore{
		rooms:    make(map[string]*room),
		sessions: make(map[string]string),
		now:      time.Now,
	}
}

// Join adds a user to a room, creating it on first join. Re-joining is
// idempotent. Returns the other participants and, for a callee, redelivers
// any pending incoming-call into the mailbox.
func (s *roomStore) Join(roomID, userID, userType string) ([]signal.RoomUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{
			users: make(map[string]*userEntry),
			subs:  make(map[string]chan signal.Message),
		}
		s.rooms[roomID] = r
	}

	if _, present := r.users[userID]; !present && len(r.users) >= roomCapacity {
		return nil, ErrRoomFull
	}

	now := s.now()
	if entry, present := r.users[userID]; present {
		entry.lastSeen = now
	} else {
		r.users[userID] = &userEntry{
			userType: userType,
			joinedAt: now.UnixMilli(),
			lastSeen: now,
		}
		s.appendLocked(r, signal.Message{
			Type:      signal.TypeUserJoined,
			From:      userID,
			RoomID:    roomID,
			Timestamp: now.UnixMilli(),
		})
	}
	s.sessions[userID] = roomID

	// Redeliver a pending call to a callee who joined after the dial.
	if userType == "patient" && r.pendingCall != nil {
		redelivered := *r.pendingCall
		redelivered.Timestamp = now.UnixMilli()
		s.appendLocked(r, redelivered)
	}

	var peers []signal.RoomUser
	for id, entry := range r.users {
		if id == userID {
			continue
		}
		peers = append(peers, signal.RoomUser{
			UserID:   id,
			UserType: entry.userType,
			JoinedAt: entry.joinedAt,
		})
	}
	return peers, nil
}

// Leave removes a user and announces it to the rest of the room.
func (s *roomStore) Leave(roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	s.removeUserLocked(r, roomID, userID)
	return nil
}

// Append stores a message in the room mailbox, updates pending-call state,
// and pushes it to WebSocket subscribers.
func (s *roomStore) Append(roomID string, msg signal.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}

	if msg.Timestamp == 0 {
		msg.Timestamp = s.now().UnixMilli()
	}
	s.appendLocked(r, msg)

	switch msg.Type {
	case signal.TypeIncomingCall:
		// Keep the dial around for a callee who hasn't joined yet.
		pending := msg
		r.pendingCall = &pending
	case signal.TypeCalleeJoined, signal.TypeCallRejected:
		r.pendingCall = nil
	}

	return msg.Timestamp, nil
}

func (s *roomStore) appendLocked(r *room, msg signal.Message) {
	r.messages = append(r.messages, msg)
	if len(r.messages) > maxStoredMessages {
		r.messages = r.messages[len(r.messages)-maxStoredMessages:]
	}
	for subID, ch := range r.subs {
		if subID == msg.From {
			continue
		}
		if msg.To != "" && msg.To != subID {
			continue
		}
		select {
		case ch <- msg:
		default:
			// Slow subscriber; it still has the poll path.
		}
	}
}

// Poll returns up to maxPollBatch messages for userID newer than since,
// excluding the user's own messages and messages targeted at someone else.
// Polling also counts as liveness.
func (s *roomStore) Poll(roomID, userID string, since int64) []signal.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	if entry, present := r.users[userID]; present {
		entry.lastSeen = s.now()
	}

	var out []signal.Message
	for _, msg := range r.messages {
		if msg.Timestamp <= since {
			continue
		}
		if msg.From == userID {
			continue
		}
		if msg.To != "" && msg.To != userID {
			continue
		}
		out = append(out, msg)
	}
	// Oldest first: a backlog deeper than one batch pages through on
	// successive polls instead of the head being shadowed by the tail.
	if len(out) > maxPollBatch {
		out = out[:maxPollBatch]
	}
	return out
}

// Info reports room membership and mailbox depth.
func (s *roomStore) Info(roomID string) signal.RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := signal.RoomInfo{RoomID: roomID}
	r, ok := s.rooms[roomID]
	if !ok {
		return info
	}
	info.Exists = true
	info.MessageCount = len(r.messages)
	for id, entry := range r.users {
		info.Users = append(info.Users, signal.RoomUser{
			UserID:   id,
			UserType: entry.userType,
			JoinedAt: entry.joinedAt,
		})
	}
	return info
}

// Ping refreshes a user's liveness.
func (s *roomStore) Ping(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.sessions[userID]
	if !ok {
		return false
	}
	if r, present := s.rooms[roomID]; present {
		if entry, has := r.users[userID]; has {
			entry.lastSeen = s.now()
			return true
		}
	}
	return false
}

// Subscribe registers a push channel for userID. The returned cancel must
// run when the socket closes.
func (s *roomStore) Subscribe(roomID, userID string) (<-chan signal.Message, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	ch := make(chan signal.Message, 32)
	r.subs[userID] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r, ok := s.rooms[roomID]; ok {
			if cur, has := r.subs[userID]; has && cur == ch {
				delete(r.subs, userID)
			}
		}
	}
	return ch, cancel, nil
}

// Cleanup evicts users that have been silent longer than userTimeout and
// drops rooms that end up empty. Returns how many users were evicted.
func (s *roomStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for roomID, r := range s.rooms {
		for userID, entry := range r.users {
			if now.Sub(entry.lastSeen) > userTimeout {
				s.removeUserLocked(r, roomID, userID)
				evicted++
			}
		}
		if len(r.users) == 0 && len(r.subs) == 0 {
			delete(s.rooms, roomID)
		}
	}
	return evicted
}

func (s *roomStore) removeUserLocked(r *room, roomID, userID string) {
	if _, present := r.users[userID]; !present {
		return
	}
	delete(r.users, userID)
	delete(s.sessions, userID)
	s.appendLocked(r, signal.Message{
		Type:      signal.TypeUserLeft,
		From:      userID,
		RoomID:    roomID,
		Timestamp: s.now().UnixMilli(),
	})
}
