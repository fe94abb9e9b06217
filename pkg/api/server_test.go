package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/televisita/telecall/pkg/logger"
	"github.com/televisita/telecall/pkg/signal"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(logger.Discard())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { s.cancel() })
	return s, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestJoinRejectsThirdParticipant(t *testing.T) {
	_, srv := newTestServer(t)

	for _, user := range []signal.JoinRequest{
		{UserID: "doctor-1", RoomID: "room-1", UserType: "doctor"},
		{UserID: "patient-1", RoomID: "room-1", UserType: "patient"},
	} {
		resp := postJSON(t, srv.URL+"/api/join", user)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := postJSON(t, srv.URL+"/api/join", signal.JoinRequest{
		UserID: "patient-2", RoomID: "room-1", UserType: "patient",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp signal.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Contains(t, errResp.Error, "room full")
}

func TestMessageRoundTrip(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/join", signal.JoinRequest{UserID: "doctor-1", RoomID: "room-1", UserType: "doctor"})
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/api/join", signal.JoinRequest{UserID: "patient-1", RoomID: "room-1", UserType: "patient"})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/message", signal.Message{
		Type: signal.TypeIncomingCall, From: "doctor-1", RoomID: "room-1", Timestamp: 42,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	pollResp, err := http.Get(srv.URL + "/api/poll?roomId=room-1&userId=patient-1")
	require.NoError(t, err)
	defer pollResp.Body.Close()

	var poll signal.PollResponse
	require.NoError(t, json.NewDecoder(pollResp.Body).Decode(&poll))

	var found bool
	for _, m := range poll.Messages {
		if m.Type == signal.TypeIncomingCall && m.Timestamp == 42 {
			found = true
		}
	}
	assert.True(t, found, "posted message should come back to the peer")
}

func TestMessageRateLimit(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/join", signal.JoinRequest{UserID: "doctor-1", RoomID: "room-1", UserType: "doctor"})
	resp.Body.Close()

	throttled := 0
	for i := 0; i < senderBurst+10; i++ {
		resp := postJSON(t, srv.URL+"/api/message", signal.Message{
			Type: signal.TypeCandidate, From: "doctor-1", RoomID: "room-1", Timestamp: int64(i + 1),
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			throttled++
		}
		resp.Body.Close()
	}
	assert.Greater(t, throttled, 0, "a burst beyond the budget must be throttled")
}

func TestMessageRequiresKnownRoom(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/message", signal.Message{
		Type: signal.TypeOffer, From: "doctor-1", RoomID: "no-such-room", Timestamp: 1,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndCORS(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/join", nil)
	require.NoError(t, err)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer preflight.Body.Close()
	assert.Equal(t, http.StatusOK, preflight.StatusCode)
	assert.Contains(t, preflight.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestWebSocketPushStream(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/join", signal.JoinRequest{UserID: "doctor-1", RoomID: "room-1", UserType: "doctor"})
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/api/join", signal.JoinRequest{UserID: "patient-1", RoomID: "room-1", UserType: "patient"})
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?roomId=room-1&userId=patient-1"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	resp = postJSON(t, srv.URL+"/api/message", signal.Message{
		Type: signal.TypeIncomingCall, From: "doctor-1", RoomID: "room-1", Timestamp: 7,
	})
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg signal.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, signal.TypeIncomingCall, msg.Type)
	assert.Equal(t, int64(7), msg.Timestamp)
}

func TestWSRequiresExistingRoom(t *testing.T) {
	_, srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?roomId=ghost&userId=patient-1"
	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if wsResp != nil {
		assert.Equal(t, http.StatusNotFound, wsResp.StatusCode)
		wsResp.Body.Close()
	}
}
