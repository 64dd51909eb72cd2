package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketsync/internal/stream"
)

// DefaultAlertAfter is how long the upstream may stay down before an alert.
const DefaultAlertAfter = time.Minute

type alert struct {
	event   string
	title   string
	message string
}

// ConnectivityAlerter turns connection state transitions into alerts. An
// outage shorter than the threshold stays silent; a longer one raises
// EventUpstreamDown once and EventUpstreamRecovered when the connection comes
// back. Observe is a stream.Observer and never blocks; Run delivers.
type ConnectivityAlerter struct {
	n      *Notifier
	name   string
	after  time.Duration
	logger *slog.Logger
	queue  chan alert

	mu        sync.Mutex
	gen       uint64
	downSince time.Time
	timer     *time.Timer
	alerted   bool
}

// NewConnectivityAlerter creates an alerter for the upstream named name.
func NewConnectivityAlerter(n *Notifier, name string, after time.Duration, logger *slog.Logger) *ConnectivityAlerter {
	if after <= 0 {
		after = DefaultAlertAfter
	}
	return &ConnectivityAlerter{
		n:      n,
		name:   name,
		after:  after,
		logger: logger.With(slog.String("component", "connectivity_alerter")),
		queue:  make(chan alert, 16),
	}
}

// Observe records a connection state transition.
func (a *ConnectivityAlerter) Observe(s stream.State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch s {
	case stream.StateDisconnected:
		if !a.downSince.IsZero() {
			return
		}
		a.downSince = time.Now()
		a.gen++
		gen := a.gen
		a.timer = time.AfterFunc(a.after, func() { a.fire(gen) })

	case stream.StateConnected:
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		a.gen++
		if a.alerted {
			outage := time.Since(a.downSince).Round(time.Second)
			a.push(alert{
				event:   EventUpstreamRecovered,
				title:   fmt.Sprintf("%s recovered", a.name),
				message: fmt.Sprintf("Upstream connection restored after %s.", outage),
			})
		}
		a.downSince = time.Time{}
		a.alerted = false
	}
}

func (a *ConnectivityAlerter) fire(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.alerted {
		return
	}
	a.alerted = true
	a.push(alert{
		event: EventUpstreamDown,
		title: fmt.Sprintf("%s down", a.name),
		message: fmt.Sprintf("Upstream connection lost at %s and still down after %s.",
			a.downSince.UTC().Format(time.RFC3339), a.after),
	})
}

func (a *ConnectivityAlerter) push(al alert) {
	select {
	case a.queue <- al:
	default:
		a.logger.Warn("alert queue full, dropping", slog.String("event", al.event))
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (a *ConnectivityAlerter) Run(ctx context.Context) error {
	defer func() {
		a.mu.Lock()
		if a.timer != nil {
			a.timer.Stop()
		}
		a.gen++
		a.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case al := <-a.queue:
			if err := a.n.Notify(ctx, al.event, al.title, al.message); err != nil && ctx.Err() == nil {
				a.logger.Warn("deliver alert failed",
					slog.String("event", al.event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
