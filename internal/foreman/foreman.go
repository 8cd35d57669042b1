// Package foreman matches checking-in clients against the active rule
// table and hands each first-time match to the hunt scheduler. Assignment
// is at-most-once per (hunt, client) pair: rechecking clients, overlapping
// rule groups, and concurrent check-ins all collapse to a single dispatch.
package foreman

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dragnet-project/dragnet/internal/errors"
	"github.com/dragnet-project/dragnet/internal/rules"
	"github.com/dragnet-project/dragnet/internal/telemetry"
)

// DefaultCheckInWorkers bounds batch check-in concurrency when no
// configuration is given.
const DefaultCheckInWorkers = 8

// Scheduler starts a hunt on a client. Implementations enforce the hunt's
// client limit and running state; a false return means the dispatch was
// refused without error, typically because the cap is reached.
type Scheduler interface {
	TryStartClient(ctx context.Context, huntID, clientID string) (bool, error)
}

// Option configures a Foreman.
type Option func(*Foreman)

// WithWorkers sets the concurrency bound for ProcessCheckIns.
func WithWorkers(n int) Option {
	return func(f *Foreman) {
		f.SetWorkers(n)
	}
}

// WithClock overrides the time source used for rule expiry.
func WithClock(now func() time.Time) Option {
	return func(f *Foreman) {
		f.now = now
	}
}

// Foreman evaluates check-ins against the rule table.
type Foreman struct {
	rules       RuleStore
	assignments AssignmentStore
	scheduler   Scheduler
	workers     atomic.Int32
	now         func() time.Time
}

// New creates a Foreman. All three collaborators are required.
func New(ruleStore RuleStore, assignments AssignmentStore, scheduler Scheduler, opts ...Option) *Foreman {
	f := &Foreman{
		rules:       ruleStore,
		assignments: assignments,
		scheduler:   scheduler,
		now:         time.Now,
	}
	f.workers.Store(DefaultCheckInWorkers)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetWorkers adjusts the ProcessCheckIns concurrency bound at runtime, for
// config reloads. Non-positive values are ignored. Batches already in
// flight keep their bound.
func (f *Foreman) SetWorkers(n int) {
	if n > 0 {
		f.workers.Store(int32(n))
	}
}

// OnCheckIn evaluates one client against a consistent snapshot of the rule
// table and returns how many hunts were dispatched onto it. Expired groups
// never match; encountering one triggers an opportunistic prune after the
// evaluation. Store and dispatch failures are logged, rolled back, and do
// not stop evaluation of the remaining groups; the first such failure is
// returned alongside the dispatch count.
func (f *Foreman) OnCheckIn(ctx context.Context, client rules.ClientRecord) (int, error) {
	start := time.Now()
	defer telemetry.RecordCheckIn(start)

	now := f.now()
	dispatched := 0
	sawExpired := false
	var firstErr error

	for _, group := range f.rules.Snapshot() {
		if group.Expired(now) {
			sawExpired = true
			continue
		}
		telemetry.RuleEvaluationsTotal.Inc()
		if !group.Matches(client) {
			continue
		}

		won, err := f.assignments.TryAssign(ctx, group.HuntID, client.ID)
		if err != nil {
			log.Error().Err(err).
				Str("hunt_id", group.HuntID).
				Str("client_id", client.ID).
				Msg("Assignment store failure")
			if firstErr == nil {
				firstErr = errors.WrapStoreError("assign_client", group.HuntID, err)
			}
			continue
		}
		if !won {
			// Already assigned by an earlier check-in or another
			// group of the same hunt.
			continue
		}

		started, err := f.scheduler.TryStartClient(ctx, group.HuntID, client.ID)
		if err != nil || !started {
			// Roll back so the client stays eligible, e.g. for a
			// later client limit raise.
			if uerr := f.assignments.Unassign(ctx, group.HuntID, client.ID); uerr != nil {
				log.Error().Err(uerr).
					Str("hunt_id", group.HuntID).
					Str("client_id", client.ID).
					Msg("Assignment rollback failure")
			}
			if err != nil {
				log.Error().Err(err).
					Str("hunt_id", group.HuntID).
					Str("client_id", client.ID).
					Msg("Dispatch failure")
				if firstErr == nil {
					firstErr = err
				}
			}
			continue
		}

		dispatched++
		telemetry.RecordDispatch(group.HuntID)
		log.Debug().
			Str("hunt_id", group.HuntID).
			Str("client_id", client.ID).
			Msg("Client dispatched to hunt")
	}

	if sawExpired {
		if removed := f.rules.Prune(now); removed > 0 {
			log.Info().Int("removed", removed).Msg("Pruned expired rule groups")
		}
	}
	return dispatched, firstErr
}

// ProcessCheckIns evaluates a batch of clients with bounded concurrency.
// Every client is processed regardless of failures elsewhere in the batch;
// the total dispatch count and the first failure are returned.
func (f *Foreman) ProcessCheckIns(ctx context.Context, clients []rules.ClientRecord) (int, error) {
	var g errgroup.Group
	g.SetLimit(int(f.workers.Load()))

	var total atomic.Int64
	for _, client := range clients {
		g.Go(func() error {
			n, err := f.OnCheckIn(ctx, client)
			total.Add(int64(n))
			return err
		})
	}
	err := g.Wait()
	return int(total.Load()), err
}
