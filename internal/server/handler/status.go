package handler

import (
	"net/http"
	"time"

	rediscache "github.com/alanyoungcy/marketsync/internal/cache/redis"
	"github.com/alanyoungcy/marketsync/internal/router"
	"github.com/alanyoungcy/marketsync/internal/stream"
)

// Connectivity is the view of the upstream connection the status endpoint
// reports. *stream.Connection implements it.
type Connectivity interface {
	State() stream.State
	ReconnectPending() bool
	Subscriptions() []stream.Subscription
}

// RouterStats is implemented by *router.Router.
type RouterStats interface {
	Stats() router.Stats
}

// DropCounter is implemented by *feed.Relay.
type DropCounter interface {
	Dropped() uint64
}

// PoolReporter is implemented by the Redis client.
type PoolReporter interface {
	PoolStats() rediscache.PoolStats
}

// StatusSources collects what GetStatus reports. Only Mode is required.
type StatusSources struct {
	Mode      string
	StartedAt time.Time
	Conn      Connectivity
	Router    RouterStats
	Relay     DropCounter
	Markets   func() []string
	Redis     PoolReporter
}

// StatusHandler serves the daemon status for dashboards and probes.
type StatusHandler struct {
	src StatusSources
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSources) *StatusHandler {
	if src.StartedAt.IsZero() {
		src.StartedAt = time.Now()
	}
	return &StatusHandler{src: src}
}

type connectionStatus struct {
	State            string                `json:"state"`
	ReconnectPending bool                  `json:"reconnect_pending"`
	Subscriptions    []stream.Subscription `json:"subscriptions"`
}

type statusResponse struct {
	Mode          string                `json:"mode"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Connection    *connectionStatus     `json:"connection,omitempty"`
	Router        *router.Stats         `json:"router,omitempty"`
	RelayDropped  *uint64               `json:"relay_dropped,omitempty"`
	Markets       []string              `json:"markets"`
	RedisPool     *rediscache.PoolStats `json:"redis_pool,omitempty"`
}

// GetStatus responds with connectivity, subscriptions and pipeline counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:          h.src.Mode,
		UptimeSeconds: int64(time.Since(h.src.StartedAt).Seconds()),
		Markets:       []string{},
	}
	if c := h.src.Conn; c != nil {
		resp.Connection = &connectionStatus{
			State:            c.State().String(),
			ReconnectPending: c.ReconnectPending(),
			Subscriptions:    c.Subscriptions(),
		}
		if resp.Connection.Subscriptions == nil {
			resp.Connection.Subscriptions = []stream.Subscription{}
		}
	}
	if h.src.Router != nil {
		st := h.src.Router.Stats()
		resp.Router = &st
	}
	if h.src.Relay != nil {
		n := h.src.Relay.Dropped()
		resp.RelayDropped = &n
	}
	if h.src.Markets != nil {
		if m := h.src.Markets(); m != nil {
			resp.Markets = m
		}
	}
	if h.src.Redis != nil {
		ps := h.src.Redis.PoolStats()
		resp.RedisPool = &ps
	}
	writeJSON(w, http.StatusOK, resp)
}
