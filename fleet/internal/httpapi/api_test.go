package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golfcart-fleet/fleet/internal/app"
	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/repos"
	"golfcart-fleet/fleet/internal/uow"
	"golfcart-fleet/shared/httpx"
	"golfcart-fleet/shared/logx"
)

type server struct {
	t       *testing.T
	handler http.Handler
	store   *repos.MemoryStore
}

func newServer(t *testing.T, snapshots SnapshotSource) server {
	t.Helper()
	// Every clock read moves a millisecond so creation order is stable.
	var tick atomic.Int64
	base := time.Now()
	clock := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Millisecond) }
	opts := []domain.CartOption{domain.WithClock(clock)}
	store := repos.NewMemoryStore()
	store.SetClock(clock)
	svc := app.NewCartService(uow.NewMemoryUnitOfWork(store, opts...), logx.Nop(), opts...)
	mux := http.NewServeMux()
	New(svc, snapshots, logx.Nop()).Routes(mux)
	return server{t: t, handler: httpx.WithRequestID(mux), store: store}
}

func (s server) do(method string, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s server) register(number string) app.CartDTO {
	s.t.Helper()
	maintained := time.Now().Add(-time.Hour)
	rec := s.do(http.MethodPost, "/api/v1/carts", map[string]any{
		"cart_number":      number,
		"position":         map[string]float64{"lat": 37.5, "lng": 127.0},
		"last_maintenance": maintained,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[app.CartDTO](s.t, rec)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[httpx.ErrorEnvelope](t, rec).Error.Code
}

func TestRegisterAndGet(t *testing.T) {
	s := newServer(t, nil)
	cart := s.register("cart01")
	assert.Equal(t, "CART01", cart.CartNumber)
	assert.Equal(t, "idle", cart.Status)
	assert.Equal(t, 100.0, cart.BatteryLevel)

	rec := s.do(http.MethodGet, "/api/v1/carts/"+cart.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cart.ID, decode[app.CartDTO](t, rec).ID)

	rec = s.do(http.MethodGet, "/api/v1/carts/by-number/cart01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cart.ID, decode[app.CartDTO](t, rec).ID)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t, nil)
	cart := s.register("CART01")

	rec := s.do(http.MethodPost, "/api/v1/carts", map[string]any{"cart_number": "CART01"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "FAILED_PRECONDITION", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/v1/carts", map[string]any{"cart_number": "!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/v1/carts", map[string]any{"cart_number": "CART02", "color": "red"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/carts/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/carts/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/v1/carts/"+cart.ID.String()+"/position", map[string]any{"lat": 95.0, "lng": 0.0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/carts/"+cart.ID.String()+"/position", map[string]any{"velocity": 3.0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/carts/"+cart.ID.String()+"/maintenance/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTripLifecycle(t *testing.T) {
	s := newServer(t, nil)
	cart := s.register("CART01")
	base := "/api/v1/carts/" + cart.ID.String()

	rec := s.do(http.MethodPost, base+"/trip/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "running", decode[app.CartDTO](t, rec).Status)

	rec = s.do(http.MethodGet, "/api/v1/carts/running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[app.CartList](t, rec).Total)

	rec = s.do(http.MethodPost, base+"/position", map[string]any{"lat": 37.501, "lng": 127.001, "velocity": 12.5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[app.CartDTO](t, rec)
	assert.Equal(t, 37.501, moved.Position.Lat)
	assert.Equal(t, 12.5, moved.Velocity)

	rec = s.do(http.MethodPost, base+"/charge", map[string]any{"amount": 10})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, base+"/trip/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decode[app.CartDTO](t, rec).Status)

	rec = s.do(http.MethodPost, base+"/maintenance/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fixing", decode[app.CartDTO](t, rec).Status)

	rec = s.do(http.MethodGet, "/api/v1/carts/maintenance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[app.CartList](t, rec).Total)

	rec = s.do(http.MethodPost, base+"/maintenance/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decode[app.CartDTO](t, rec).Status)

	rec = s.do(http.MethodPost, base+"/decommission", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "out_of_service", decode[app.CartDTO](t, rec).Status)

	assert.NotEmpty(t, s.store.OutboxEvents())
}

func TestListPagingAndCount(t *testing.T) {
	s := newServer(t, nil)
	for _, n := range []string{"CART01", "CART02", "CART03"} {
		s.register(n)
	}

	rec := s.do(http.MethodGet, "/api/v1/carts?skip=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[app.CartList](t, rec)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Carts, 1)
	assert.Equal(t, "CART02", page.Carts[0].CartNumber)

	rec = s.do(http.MethodGet, "/api/v1/carts?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[app.CartList](t, rec).Total)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/carts?limit=500", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/carts?skip=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/carts?status=flying", nil).Code)

	rec = s.do(http.MethodGet, "/api/v1/carts/count?status=idle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[countResponse](t, rec).Count)
}

func TestDelete(t *testing.T) {
	s := newServer(t, nil)
	cart := s.register("CART01")
	path := "/api/v1/carts/" + cart.ID.String()

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, path, nil).Code)
}

func TestFleetSummaryAndSnapshot(t *testing.T) {
	taken := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var snapErr error
	found := false
	s := newServer(t, func(context.Context) (app.FleetSummary, bool, error) {
		return app.FleetSummary{Total: 7, TakenAt: taken}, found, snapErr
	})
	s.register("CART01")

	rec := s.do(http.MethodGet, "/api/v1/fleet/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[app.FleetSummary](t, rec)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.ByStatus["idle"])

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/fleet/snapshot", nil).Code)

	found = true
	rec = s.do(http.MethodGet, "/api/v1/fleet/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, decode[app.FleetSummary](t, rec).Total)

	snapErr = errors.New("redis: connection refused")
	rec = s.do(http.MethodGet, "/api/v1/fleet/snapshot", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode[httpx.ErrorEnvelope](t, rec)
	assert.Equal(t, "internal server error", env.Error.Message)
	assert.NotEmpty(t, env.Error.RequestID)
}

func TestSnapshotDisabled(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/fleet/snapshot", nil).Code)
}
