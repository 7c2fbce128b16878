package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/qcforge/qcforge/pkg/log"
	"github.com/qcforge/qcforge/pkg/metrics"
	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

// Advancer implements the iteration logic of one service record type.
// Iterate runs inside the engine's transaction; it either spawns the
// next wave of dependencies or stores final results and finishes the
// record. The returned bool reports whether the service is finished.
type Advancer interface {
	RecordType() types.RecordType
	Iterate(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta) (bool, error)
}

// Engine drives all services. One IterateAll call advances every
// service whose dependencies have settled, inside a single
// transaction; each service iterates in its own savepoint so one
// broken service cannot stall the rest.
type Engine struct {
	store     *storage.Store
	logger    zerolog.Logger
	advancers map[types.RecordType]Advancer

	// maxActive caps how many services may be running at once; waiting
	// services beyond the cap stay queued. Zero means no cap.
	maxActive int
}

// NewEngine creates the engine with all advancers registered.
func NewEngine(store *storage.Store, maxActive int) *Engine {
	e := &Engine{
		store:     store,
		logger:    log.WithComponent("services"),
		advancers: make(map[types.RecordType]Advancer),
		maxActive: maxActive,
	}
	for _, adv := range []Advancer{
		&Torsiondrive{},
		&Gridoptimization{},
		&Reaction{},
		&Manybody{},
		&NEB{},
	} {
		e.advancers[adv.RecordType()] = adv
	}
	return e
}

// IterateAll advances every settled service once. Returns how many
// services were iterated.
func (e *Engine) IterateAll(ctx context.Context) (int, error) {
	iterated := 0
	err := e.store.RunInTransaction(ctx, func(tx *storage.Tx) error {
		svcs, err := tx.ServicesToIterate(ctx, 0)
		if err != nil {
			return err
		}
		if len(svcs) == 0 {
			return nil
		}
		running, err := tx.RunningServiceCount(ctx)
		if err != nil {
			return err
		}

		for _, svc := range svcs {
			if svc.Status == types.RecordStatusWaiting {
				if e.maxActive > 0 && running >= int64(e.maxActive) {
					continue
				}
				running++
			}

			svc := svc
			start := time.Now()
			sperr := tx.Savepoint(ctx, fmt.Sprintf("svc_%d", svc.ID), func() error {
				return e.iterateOne(ctx, tx, svc)
			})
			if sperr != nil {
				// The iteration itself failed; end the service in error
				// so it does not loop forever.
				e.logger.Error().Err(sperr).
					Int64("record_id", svc.RecordID).
					Str("record_type", string(svc.RecordType)).
					Msg("Service iteration failed")
				if ferr := tx.FailServiceRecord(ctx, svc.RecordID, sperr.Error()); ferr != nil {
					return ferr
				}
			}
			metrics.ServiceIterations.WithLabelValues(string(svc.RecordType)).Inc()
			metrics.ServiceIterationLatency.Observe(time.Since(start).Seconds())
			iterated++
		}
		return nil
	})
	return iterated, err
}

func (e *Engine) iterateOne(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta) error {
	adv, ok := e.advancers[svc.RecordType]
	if !ok {
		return fmt.Errorf("no advancer for record type %s", svc.RecordType)
	}

	// A failed or cancelled child fails the whole service.
	statuses, err := tx.DependencyStatuses(ctx, svc.ID)
	if err != nil {
		return err
	}
	for depID, status := range statuses {
		switch status {
		case types.RecordStatusError, types.RecordStatusCancelled,
			types.RecordStatusInvalid, types.RecordStatusDeleted:
			return fmt.Errorf("dependency record %d is %s", depID, status)
		}
	}

	if svc.Status == types.RecordStatusWaiting {
		if err := tx.MarkServiceRunning(ctx, svc.RecordID); err != nil {
			return err
		}
	}

	done, err := adv.Iterate(ctx, tx, svc)
	if err != nil {
		return err
	}
	// Services accumulate a running log the way a worker's stdout would.
	line := fmt.Sprintf("[%s] %s iteration finished\n",
		time.Now().UTC().Format(time.RFC3339), svc.RecordType)
	if err := tx.AppendStdout(ctx, svc.RecordID, line); err != nil {
		return err
	}
	if done {
		e.logger.Info().
			Int64("record_id", svc.RecordID).
			Str("record_type", string(svc.RecordType)).
			Msg("Service completed")
		return tx.FinishService(ctx, svc.RecordID, types.RecordStatusComplete)
	}
	return nil
}
