package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notice() OfferNotice {
	return OfferNotice{RequestID: "req-1", OfferID: "off-1", ProviderID: "ana", RiderID: "mariana", Deadline: time.Now().Add(15 * time.Second)}
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) NotifyOffer(context.Context, OfferNotice) error {
	s.calls++
	return s.err
}

func TestFanout_FirstSuccessWins(t *testing.T) {
	a := &stubNotifier{err: ErrNoSession}
	b := &stubNotifier{}
	c := &stubNotifier{}
	require.NoError(t, Fanout{a, b, c}.NotifyOffer(context.Background(), notice()))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Zero(t, c.calls)
}

func TestFanout_AllFail(t *testing.T) {
	boom := errors.New("boom")
	err := Fanout{&stubNotifier{err: ErrNoSession}, &stubNotifier{err: boom}}.NotifyOffer(context.Background(), notice())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Error(t, Fanout{}.NotifyOffer(context.Background(), notice()))
}

func TestWebhookNotifier(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookNotifier(srv.URL).NotifyOffer(context.Background(), notice()))
	assert.Equal(t, "offer", body["type"])
	offer := body["offer"].(map[string]any)
	assert.Equal(t, "ana", offer["provider_id"])
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	assert.Error(t, NewWebhookNotifier(srv.URL).NotifyOffer(context.Background(), notice()))
}

func TestWSRegistry_DeliversOffer(t *testing.T) {
	reg := NewWSRegistry(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		reg.Add("ana", conn)
	}))
	defer srv.Close()

	assert.ErrorIs(t, reg.NotifyOffer(context.Background(), notice()), ErrNoSession)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return reg.Connected("ana") }, time.Second, 5*time.Millisecond)
	require.NoError(t, reg.NotifyOffer(context.Background(), notice()))

	var msg struct {
		Type  string      `json:"type"`
		Offer OfferNotice `json:"offer"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "offer", msg.Type)
	assert.Equal(t, "req-1", msg.Offer.RequestID)
}

func TestWSRegistry_RemoveOnlyCurrent(t *testing.T) {
	reg := NewWSRegistry(nil)
	reg.mu.Lock()
	cur := &WSSession{}
	reg.sessions["ana"] = cur
	reg.mu.Unlock()

	reg.Remove("ana", &WSSession{})
	assert.True(t, reg.Connected("ana"))
	reg.Remove("ana", cur)
	assert.False(t, reg.Connected("ana"))
}
