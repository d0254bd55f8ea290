package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/drivehub/internal/core"
	"github.com/example/drivehub/internal/dispatch"
	"github.com/example/drivehub/internal/geo"
	"github.com/example/drivehub/internal/ingest"
	"github.com/example/drivehub/internal/lifecycle"
	"github.com/example/drivehub/internal/matcher"
	"github.com/example/drivehub/internal/models"
	"github.com/example/drivehub/internal/registry"
	"github.com/example/drivehub/internal/routing"
)

var centre = models.Coordinate{Lat: -22.9068, Lon: -43.1729}

type recordedHeartbeats struct {
	mu  sync.Mutex
	got []ingest.LocationUpdate
}

func (r *recordedHeartbeats) PublishLocation(_ context.Context, u ingest.LocationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, u)
	return nil
}

func newTestServer(t *testing.T, offerTimeout time.Duration) (*httptest.Server, *recordedHeartbeats) {
	srv, hb, _ := newTestServerWithWS(t, offerTimeout)
	return srv, hb
}

func newTestServerWithWS(t *testing.T, offerTimeout time.Duration) (*httptest.Server, *recordedHeartbeats, *dispatch.WSRegistry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	reqs := lifecycle.NewManager(reg, lifecycle.Config{Logger: log})
	wsreg := dispatch.NewWSRegistry(log)
	routes := routing.NewClient(routing.StraightLineRouter{}, nil, routing.ClientConfig{Logger: log})
	engine := matcher.NewEngine(reg, reqs, routes, wsreg, matcher.Config{OfferTimeout: offerTimeout, Logger: log})
	c := core.New(core.Deps{Registry: reg, Requests: reqs, Engine: engine, Positions: geo.NewMemoryLocator(), DefaultLocation: centre, Logger: log})
	hb := &recordedHeartbeats{}
	srv := httptest.NewServer(NewServer(c, wsreg, hb, log))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return srv, hb, wsreg
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func onlineProvider(t *testing.T, srv *httptest.Server, id string) {
	t.Helper()
	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/providers", map[string]any{"id": id, "name": "Carlos", "vehicle": "HB20", "rating": 4.7})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, false, body["online"])
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/providers/"+id+"/online", map[string]any{"location": centre})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, time.Second)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestProviderEndpoints(t *testing.T) {
	srv, hb := newTestServer(t, time.Second)
	onlineProvider(t, srv, "carlos")

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/providers/carlos/location", map[string]any{"location": map[string]float64{"lat": -22.91, "lon": -43.17}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/providers/carlos", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["online"])
	assert.Equal(t, -22.91, body["location"].(map[string]any)["lat"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/providers/carlos/offline", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/providers/ghost/online", map[string]any{"location": centre})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/providers", map[string]any{"id": "x", "rating": 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/providers/carlos", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	hb.mu.Lock()
	defer hb.mu.Unlock()
	require.Len(t, hb.got, 3)
	assert.Equal(t, ingest.StatusOnline, hb.got[0].Status)
	assert.Equal(t, "", hb.got[1].Status)
	assert.Equal(t, ingest.StatusOffline, hb.got[2].Status)
}

func TestRequestFlowOverHTTP(t *testing.T) {
	srv, _, wsreg := newTestServerWithWS(t, time.Second)
	onlineProvider(t, srv, "carlos")

	// the instructor app listens for offers
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/providers/carlos"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return wsreg.Connected("carlos") }, time.Second, 5*time.Millisecond)

	resp, created := do(t, http.MethodPost, srv.URL+"/api/v1/requests", map[string]any{"rider_id": "mariana", "pickup": centre})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.Equal(t, "/api/v1/requests/"+id, resp.Header.Get("Location"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var offer struct {
		Type  string               `json:"type"`
		Offer dispatch.OfferNotice `json:"offer"`
	}
	require.NoError(t, conn.ReadJSON(&offer))
	assert.Equal(t, "offer", offer.Type)
	assert.Equal(t, id, offer.Offer.RequestID)

	// someone else cannot answer
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/requests/"+id+"/offer", map[string]any{"provider_id": "intruder", "accept": true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "answer", "request_id": id, "accept": true}))
	var ack struct {
		Type    string          `json:"type"`
		Request models.Snapshot `json:"request"`
	}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, models.StateMatched, ack.Request.State)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/requests/"+id+"/destination", map[string]any{"location": map[string]float64{"lat": -22.97, "lon": -43.18}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, srv.URL+"/api/v1/requests/"+id, nil)
		return body["state"] == string(models.StateInProgress)
	}, 2*time.Second, 10*time.Millisecond)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/requests/"+id+"/end", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.StateCompleted), body["state"])
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/requests/"+id+"/end", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "duplicate end is tolerated")
}

func TestObserveOverWebSocket(t *testing.T) {
	srv, _ := newTestServer(t, time.Hour)
	onlineProvider(t, srv, "carlos")
	_, created := do(t, http.MethodPost, srv.URL+"/api/v1/requests", map[string]any{"rider_id": "mariana", "pickup": centre})
	id := created["id"].(string)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/requests/"+id), nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/requests/"+id+"/cancel", map[string]any{"actor": "rider"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.ReasonRiderCancelled), body["cancel_reason"])

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var last models.Snapshot
	for {
		var msg struct {
			Type    string          `json:"type"`
			Request models.Snapshot `json:"request"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
		last = msg.Request
	}
	assert.Equal(t, models.StateCancelled, last.State)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t, time.Second)
	resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/requests/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/requests", map[string]any{"pickup": centre})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "rider id is required")
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/requests/nope/cancel", map[string]any{"actor": "rider"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/requests", strings.NewReader("{"))
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	_, _, err = websocket.DefaultDialer.Dial(wsURL(srv, "/ws/requests/nope"), nil)
	assert.Error(t, err)
}

func TestLateOfferAnswerIsGone(t *testing.T) {
	srv, _ := newTestServer(t, 50*time.Millisecond)
	onlineProvider(t, srv, "carlos")

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/requests", map[string]any{"rider_id": "maria", "pickup": centre})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)

	// nobody answers, so the only offer expires and the search gives up
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/api/v1/requests/" + id)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var got models.Snapshot
		return json.NewDecoder(r.Body).Decode(&got) == nil && got.State == models.StateCancelled
	}, time.Second, 10*time.Millisecond)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/requests/"+id+"/offer", map[string]any{"provider_id": "carlos", "accept": true})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Contains(t, body["error"], "offer expired")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusGone, statusFor(models.ErrOfferExpired))
	assert.Equal(t, http.StatusConflict, statusFor(models.ErrInvalidTransition))
	assert.Equal(t, http.StatusNotFound, statusFor(models.ErrUnknownProvider))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}
