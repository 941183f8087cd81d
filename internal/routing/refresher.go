package routing

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wesleywu/routemesh/internal/logger"
)

// Refresher keeps a Table in sync with a Source: it reloads on a fixed
// interval, on Trigger, and on kernel route change notifications when the
// platform provides them.
type Refresher struct {
	table    *Table
	source   Source
	interval time.Duration
	clock    clock.Clock
	log      *logger.Logger
	watch    bool

	trigger chan struct{}
	// done is signalled after each reload attempt, for tests
	done chan error
}

// RefresherOption configures a Refresher
type RefresherOption func(*Refresher)

func WithClock(c clock.Clock) RefresherOption { return func(r *Refresher) { r.clock = c } }

// WithWatch enables the kernel route change watcher
func WithWatch(enabled bool) RefresherOption { return func(r *Refresher) { r.watch = enabled } }

func withDoneChannel(ch chan error) RefresherOption { return func(r *Refresher) { r.done = ch } }

func NewRefresher(table *Table, source Source, interval time.Duration, log *logger.Logger, opts ...RefresherOption) *Refresher {
	if log == nil {
		log = logger.Nop()
	}
	r := &Refresher{
		table:    table,
		source:   source,
		interval: interval,
		clock:    clock.New(),
		log:      log,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh reloads synchronously
func (r *Refresher) Refresh(ctx context.Context) error {
	return r.table.Reload(ctx, r.source)
}

// Trigger requests an asynchronous reload. Bursts coalesce into one reload.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run performs an initial reload and then keeps reloading until ctx is done.
// Reload failures are logged and the previous table stays active.
func (r *Refresher) Run(ctx context.Context) error {
	r.reload(ctx)

	if r.watch {
		go func() {
			err := WatchRouteChanges(ctx, r.Trigger)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("Route change watcher stopped, relying on polling", "error", err)
			}
		}()
	}

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reload(ctx)
		case <-r.trigger:
			r.reload(ctx)
		}
	}
}

func (r *Refresher) reload(ctx context.Context) {
	err := r.Refresh(ctx)
	if err != nil {
		r.log.Error("Failed to reload routing table", "error", err)
	}
	if r.done != nil {
		select {
		case r.done <- err:
		default:
		}
	}
}
