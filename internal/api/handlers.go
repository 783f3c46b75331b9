package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"signalbridge/internal/bus"
	"signalbridge/internal/registry"
	"signalbridge/internal/store"
	"signalbridge/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The admin surface binds to localhost; origin checks add nothing.
		return true
	},
}

// Channels is the slice of the registry the API exposes.
type Channels interface {
	Create(ctx context.Context, ch *types.Channel) error
	Update(ctx context.Context, ch *types.Channel) error
	SetPaused(ctx context.Context, id string, paused bool) error
	SetAutoExecute(ctx context.Context, id string, on bool) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*types.Channel, error)
	List(ctx context.Context) ([]*types.Channel, error)
	SubAccount(ctx context.Context, id string) (*types.SubAccount, error)
}

// Signals is the manual-approval slice of the feed.
type Signals interface {
	Approve(ctx context.Context, signalID string) error
	Ignore(ctx context.Context, signalID, reason string) error
}

// Positions is the operator-close slice of the executor.
type Positions interface {
	ClosePosition(ctx context.Context, positionID string) error
}

// Handlers holds the admin endpoint dependencies.
type Handlers struct {
	channels  Channels
	signals   Signals
	positions Positions
	store     *store.Store
	queue     *bus.Queue
	hub       *Hub
	logger    *slog.Logger
}

// NewHandlers creates the admin handlers.
func NewHandlers(channels Channels, signals Signals, positions Positions,
	st *store.Store, queue *bus.Queue, hub *Hub, logger *slog.Logger,
) *Handlers {
	return &Handlers{
		channels:  channels,
		signals:   signals,
		positions: positions,
		store:     st,
		queue:     queue,
		hub:       hub,
		logger:    logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

// writeError maps the store and registry sentinels to HTTP statuses.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrTerminalState),
		errors.Is(err, registry.ErrLivePositions):
		status = http.StatusConflict
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handlers) badRequest(w http.ResponseWriter, err error) {
	h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// HandleHealth reports liveness and the inbound queue depth.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Len(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded", "error": err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue_depth": depth})
}

// HandleOverview returns the operator's at-a-glance counters.
func (h *Handlers) HandleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channels, err := h.channels.List(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	live, err := h.store.LivePositions(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pending, err := h.store.ListSignals(ctx, store.SignalFilter{Status: types.SignalPending})
	if err != nil {
		h.writeError(w, err)
		return
	}
	depth, _ := h.queue.Len(ctx)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"channels":        len(channels),
		"live_positions":  len(live),
		"pending_signals": len(pending),
		"queue_depth":     depth,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Channels
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, channels)
}

func (h *Handlers) HandleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch types.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.channels.Create(r.Context(), &ch); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			h.writeError(w, err)
			return
		}
		h.badRequest(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, ch)
}

func (h *Handlers) HandleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channels.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := map[string]any{"channel": ch}
	if ch.SubAccountID != "" {
		if sa, err := h.channels.SubAccount(r.Context(), ch.SubAccountID); err == nil {
			resp["sub_account"] = sa
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	var ch types.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		h.badRequest(w, err)
		return
	}
	ch.ID = r.PathValue("id")
	if err := h.channels.Update(r.Context(), &ch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, err)
			return
		}
		h.badRequest(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ch)
}

func (h *Handlers) HandleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.channels.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandlePauseChannel(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

func (h *Handlers) HandleResumeChannel(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handlers) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if err := h.channels.SetPaused(r.Context(), r.PathValue("id"), paused); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

func (h *Handlers) HandleAutoExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.channels.SetAutoExecute(r.Context(), r.PathValue("id"), body.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"auto_execute": body.Enabled})
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SignalFilter{
		ChannelID: q.Get("channel_id"),
		Status:    types.SignalStatus(q.Get("status")),
		Type:      types.SignalType(q.Get("type")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.badRequest(w, errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	signals, err := h.store.ListSignals(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, signals)
}

func (h *Handlers) HandleApproveSignal(w http.ResponseWriter, r *http.Request) {
	if err := h.signals.Approve(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (h *Handlers) HandleIgnoreSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional; an empty reason defaults downstream.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := h.signals.Ignore(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.PositionFilter{
		ChannelID:    q.Get("channel_id"),
		SubAccountID: q.Get("sub_account_id"),
		Status:       types.PositionStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.badRequest(w, errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	positions, err := h.store.ListPositions(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, positions)
}

func (h *Handlers) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.store.GetPosition(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	orders, err := h.store.OrdersByPosition(r.Context(), pos.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"position": pos, "orders": orders})
}

func (h *Handlers) HandleClosePosition(w http.ResponseWriter, r *http.Request) {
	if err := h.positions.ClosePosition(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}
