package periodic

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qcforge/qcforge/pkg/log"
	"github.com/qcforge/qcforge/pkg/metrics"
	"github.com/qcforge/qcforge/pkg/services"
	"github.com/qcforge/qcforge/pkg/storage"
)

// heartbeatsBeforeStale is how many missed heartbeats deactivate a
// manager.
const heartbeatsBeforeStale = 5

// Options configure the periodic runner. Zero values fall back to the
// defaults in DefaultOptions.
type Options struct {
	// StatsFrequency is how often a server stats snapshot is written.
	StatsFrequency time.Duration

	// HeartbeatFrequency is the interval managers are told to heartbeat
	// at. Managers silent for heartbeatsBeforeStale intervals are
	// deactivated and their tasks recovered.
	HeartbeatFrequency time.Duration

	// ServiceFrequency is how often the service engine iterates.
	ServiceFrequency time.Duration
}

// DefaultOptions are the intervals used when a field is zero
func DefaultOptions() Options {
	return Options{
		StatsFrequency:     60 * time.Second,
		HeartbeatFrequency: 30 * time.Second,
		ServiceFrequency:   10 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.StatsFrequency <= 0 {
		o.StatsFrequency = def.StatsFrequency
	}
	if o.HeartbeatFrequency <= 0 {
		o.HeartbeatFrequency = def.HeartbeatFrequency
	}
	if o.ServiceFrequency <= 0 {
		o.ServiceFrequency = def.ServiceFrequency
	}
}

// Runner drives the recurring maintenance work: server stats
// snapshots, the stale-manager sweep, and service iteration. Each job
// runs on its own ticker so a slow service pass cannot delay orphan
// recovery.
type Runner struct {
	store  *storage.Store
	engine *services.Engine
	opts   Options
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner creates the runner
func NewRunner(store *storage.Store, engine *services.Engine, opts Options) *Runner {
	opts.applyDefaults()
	return &Runner{
		store:  store,
		engine: engine,
		opts:   opts,
		logger: log.WithComponent("periodic"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background loops
func (r *Runner) Start() {
	r.wg.Add(3)
	go r.loop(r.opts.StatsFrequency, r.snapshotStats)
	go r.loop(r.opts.HeartbeatFrequency, r.sweepManagers)
	go r.loop(r.opts.ServiceFrequency, r.iterateServices)
}

// Stop stops the loops and waits for in-flight jobs to finish
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) loop(interval time.Duration, job func(ctx context.Context)) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			job(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) snapshotStats(ctx context.Context) {
	if _, err := r.store.SnapshotStats(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Failed to snapshot server stats")
	}
}

// sweepManagers deactivates managers that have missed too many
// heartbeats. Deactivation resets their running records to waiting, so
// orphaned tasks become claimable again.
func (r *Runner) sweepManagers(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-heartbeatsBeforeStale * r.opts.HeartbeatFrequency)
	names, err := r.store.DeactivateStaleManagers(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to sweep stale managers")
		return
	}
	if len(names) > 0 {
		metrics.ManagersSwept.Add(float64(len(names)))
		r.logger.Info().
			Strs("managers", names).
			Time("cutoff", cutoff).
			Msg("Deactivated stale managers")
	}
}

func (r *Runner) iterateServices(ctx context.Context) {
	iterated, err := r.engine.IterateAll(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Service iteration pass failed")
		return
	}
	if iterated > 0 {
		r.logger.Debug().Int("services", iterated).Msg("Iterated services")
	}
}
