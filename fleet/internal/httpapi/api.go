package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"golfcart-fleet/fleet/internal/app"
	"golfcart-fleet/shared/httpx"
	"golfcart-fleet/shared/logx"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SnapshotSource returns the last fleet snapshot, if one was taken.
type SnapshotSource func(ctx context.Context) (app.FleetSummary, bool, error)

type API struct {
	carts     *app.CartService
	snapshots SnapshotSource
	log       logx.Logger
}

func New(carts *app.CartService, snapshots SnapshotSource, log logx.Logger) *API {
	return &API{carts: carts, snapshots: snapshots, log: log}
}

// Routes mounts the cart API on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/carts", a.register)
	mux.HandleFunc("GET /api/v1/carts", a.list)
	mux.HandleFunc("GET /api/v1/carts/count", a.count)
	mux.HandleFunc("GET /api/v1/carts/running", a.running)
	mux.HandleFunc("GET /api/v1/carts/maintenance", a.needingMaintenance)
	mux.HandleFunc("GET /api/v1/carts/by-number/{number}", a.getByNumber)
	mux.HandleFunc("GET /api/v1/carts/{id}", a.get)
	mux.HandleFunc("DELETE /api/v1/carts/{id}", a.delete)
	mux.HandleFunc("POST /api/v1/carts/{id}/position", a.updatePosition)
	mux.HandleFunc("POST /api/v1/carts/{id}/trip/start", a.command(a.carts.StartTrip))
	mux.HandleFunc("POST /api/v1/carts/{id}/trip/stop", a.command(a.carts.StopTrip))
	mux.HandleFunc("POST /api/v1/carts/{id}/charge", a.charge)
	mux.HandleFunc("POST /api/v1/carts/{id}/maintenance/start", a.command(a.carts.StartMaintenance))
	mux.HandleFunc("POST /api/v1/carts/{id}/maintenance/complete", a.command(a.carts.CompleteMaintenance))
	mux.HandleFunc("POST /api/v1/carts/{id}/decommission", a.command(a.carts.Decommission))
	mux.HandleFunc("GET /api/v1/fleet/summary", a.summary)
	mux.HandleFunc("GET /api/v1/fleet/snapshot", a.snapshot)
}

type positionBody struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type registerRequest struct {
	CartNumber      string        `json:"cart_number"`
	Position        *positionBody `json:"position,omitempty"`
	BatteryLevel    *float64      `json:"battery_level,omitempty"`
	Status          string        `json:"status,omitempty"`
	LastMaintenance *time.Time    `json:"last_maintenance,omitempty"`
}

type updatePositionRequest struct {
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Velocity float64  `json:"velocity"`
}

type chargeRequest struct {
	Amount *float64 `json:"amount"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	cmd := app.RegisterCart{
		CartNumber:      req.CartNumber,
		BatteryLevel:    req.BatteryLevel,
		Status:          req.Status,
		LastMaintenance: req.LastMaintenance,
	}
	if req.Position != nil {
		cmd.Lat, cmd.Lng = req.Position.Lat, req.Position.Lng
	}
	cart, err := a.carts.Register(r.Context(), cmd)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/carts/"+cart.ID.String())
	httpx.WriteJSON(w, http.StatusCreated, cart)
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, ok := intParam(q.Get("skip"), 0, 0, -1)
	if !ok {
		badRequest(w, r, "skip must be a non-negative integer")
		return
	}
	limit, ok := intParam(q.Get("limit"), defaultPageSize, 1, maxPageSize)
	if !ok {
		badRequest(w, r, "limit must be between 1 and 100")
		return
	}
	out, err := a.carts.List(r.Context(), skip, limit, strings.TrimSpace(q.Get("status")))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (a *API) count(w http.ResponseWriter, r *http.Request) {
	n, err := a.carts.Count(r.Context(), strings.TrimSpace(r.URL.Query().Get("status")))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, countResponse{Count: n})
}

func (a *API) running(w http.ResponseWriter, r *http.Request) {
	a.writeList(w, r)(a.carts.ListRunning(r.Context()))
}

func (a *API) needingMaintenance(w http.ResponseWriter, r *http.Request) {
	a.writeList(w, r)(a.carts.ListNeedingMaintenance(r.Context()))
}

func (a *API) writeList(w http.ResponseWriter, r *http.Request) func([]app.CartDTO, error) {
	return func(carts []app.CartDTO, err error) {
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, app.CartList{Total: len(carts), Carts: carts})
	}
}

func (a *API) getByNumber(w http.ResponseWriter, r *http.Request) {
	cart, err := a.carts.GetByNumber(r.Context(), r.PathValue("number"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cart)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	id, ok := cartID(w, r)
	if !ok {
		return
	}
	cart, err := a.carts.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cart)
}

func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := cartID(w, r)
	if !ok {
		return
	}
	deleted, err := a.carts.Delete(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !deleted {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "Cart with ID "+id.String()+" not found.", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) updatePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := cartID(w, r)
	if !ok {
		return
	}
	var req updatePositionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Lat == nil || req.Lng == nil {
		badRequest(w, r, "lat and lng are required")
		return
	}
	a.writeCart(w, r)(a.carts.UpdatePosition(r.Context(), id, *req.Lat, *req.Lng, req.Velocity))
}

func (a *API) charge(w http.ResponseWriter, r *http.Request) {
	id, ok := cartID(w, r)
	if !ok {
		return
	}
	var req chargeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Amount == nil {
		badRequest(w, r, "amount is required")
		return
	}
	a.writeCart(w, r)(a.carts.ChargeBattery(r.Context(), id, *req.Amount))
}

// command adapts a body-less cart command to a handler.
func (a *API) command(run func(context.Context, uuid.UUID) (app.CartDTO, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := cartID(w, r)
		if !ok {
			return
		}
		a.writeCart(w, r)(run(r.Context(), id))
	}
}

func (a *API) writeCart(w http.ResponseWriter, r *http.Request) func(app.CartDTO, error) {
	return func(cart app.CartDTO, err error) {
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, cart)
	}
}

func (a *API) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.carts.Summary(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}

func (a *API) snapshot(w http.ResponseWriter, r *http.Request) {
	if a.snapshots == nil {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "fleet snapshots are not enabled", nil)
		return
	}
	sum, found, err := a.snapshots(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !found {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no fleet snapshot taken yet", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}

func cartID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		badRequest(w, r, "invalid cart id")
		return uuid.Nil, false
	}
	return id, true
}

// intParam parses an optional query integer; hi < 0 means unbounded.
func intParam(raw string, def int, lo int, hi int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		return 0, false
	}
	return n, true
}
