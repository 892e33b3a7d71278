package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/background-sync/crypto"
	"github.com/matrix-org/background-sync/internal"
	"github.com/matrix-org/background-sync/pubsub"
	"github.com/matrix-org/background-sync/state"
	"github.com/matrix-org/background-sync/sync2"
)

// ErrStopped is returned for resolutions requested after Stop.
var ErrStopped = errors.New("resolver stopped")

// Resolver resolves single events by ID for one device, decrypting them on
// demand from locally held session material plus at most one sync round to
// fetch missing keys.
//
// All resolution, decryption and sync application runs on a single worker, so
// none of it races and the event cache and session store need no locking of
// their own. Completions are published to the bus and delivered off the
// worker, so a slow caller callback never blocks resolution work.
//
// Completion delivery is best-effort: if the resolver is stopped while work
// is in flight, the eventual response is dropped after a liveness check
// rather than delivered. That is intentional; instances are torn down when
// their device goes idle and nothing should act on behalf of a dead one.
type Resolver struct {
	userID   string
	deviceID string
	token    string

	client  sync2.Client
	machine *crypto.Machine
	store   *state.Storage
	v2Store *sync2.Storage
	bus     pubsub.Notifier

	// cache holds every event this instance has resolved; synced holds events
	// merged from sync responses during this instance's lifetime. Both are
	// only touched on the worker.
	cache  map[string]*Event
	synced map[string]*Event

	// per-resolution counters, only touched on the worker
	syncRounds     int
	toDeviceEvents int

	workers *internal.WorkerPool
	// stopMu serialises queueing against Stop so work is never queued onto a
	// closed pool. stopped is read on the worker without the lock.
	stopMu  sync.RWMutex
	stopped atomic.Bool
	logger  zerolog.Logger
}

// New creates a resolver for one device and starts its worker. The bus is
// shared between resolvers; the caller owns it and its delivery consumer.
func New(userID, deviceID, accessToken string, client sync2.Client, machine *crypto.Machine,
	store *state.Storage, v2Store *sync2.Storage, bus pubsub.Notifier) *Resolver {
	r := &Resolver{
		userID:   userID,
		deviceID: deviceID,
		token:    accessToken,
		client:   client,
		machine:  machine,
		store:    store,
		v2Store:  v2Store,
		bus:      bus,
		cache:    make(map[string]*Event),
		synced:   make(map[string]*Event),
		workers:  internal.NewWorkerPool(1),
		logger: zerolog.New(os.Stdout).With().Timestamp().Logger().With().
			Str("user", userID).Str("device", deviceID).Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
	r.workers.Start()
	return r
}

// Stop marks the resolver dead and stops its worker. In-flight work finishes
// on the worker but its completions are dropped. Safe to call more than once.
func (r *Resolver) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stopped.Swap(true) {
		return
	}
	r.workers.Stop()
}

// ResolveEvent queues a resolution. cb is invoked exactly once on the
// delivery goroutine with the outcome, unless the resolver is stopped before
// the completion is published, in which case it is never invoked. On a
// resolver that is already stopped, cb is invoked inline with ErrStopped.
func (r *Resolver) ResolveEvent(ctx context.Context, eventID, roomID string, cb func(*Event, error)) {
	r.stopMu.RLock()
	defer r.stopMu.RUnlock()
	if r.stopped.Load() {
		cb(nil, ErrStopped)
		return
	}
	r.workers.Queue(func() {
		if r.stopped.Load() {
			return
		}
		ctx, task := internal.StartTask(ctx, "ResolveEvent")
		defer task.End()
		r.syncRounds = 0
		r.toDeviceEvents = 0
		event, err := r.resolve(ctx, eventID, roomID, true)
		internal.SetRequestContextResolveInfo(ctx, eventID, roomID, r.syncRounds, r.toDeviceEvents)
		if r.stopped.Load() {
			return
		}
		notifyErr := r.bus.Notify(pubsub.ChanResolutions, pubsub.ResolutionDone{
			UserID:   r.userID,
			DeviceID: r.deviceID,
			EventID:  eventID,
			Deliver: func() {
				cb(event, err)
			},
		})
		if notifyErr != nil {
			r.logger.Warn().Err(notifyErr).Str("event_id", eventID).Msg("dropped resolution completion")
		}
	})
}

// Resolve queues a resolution and waits for its completion. If ctx ends
// first (including when the resolver is torn down with the work in flight,
// since dropped completions never arrive) the context error is returned.
func (r *Resolver) Resolve(ctx context.Context, eventID, roomID string) (*Event, error) {
	type outcome struct {
		event *Event
		err   error
	}
	ch := make(chan outcome, 1)
	r.ResolveEvent(ctx, eventID, roomID, func(event *Event, err error) {
		ch <- outcome{event, err}
	})
	select {
	case o := <-ch:
		return o.event, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve runs on the worker. It is an explicit bounded loop rather than a
// recursive retry: allowRetry goes hard false after the one sync round, and
// on that second pass every branch returns, so at most one network call can
// happen per resolution no matter the outcome.
func (r *Resolver) resolve(ctx context.Context, eventID, roomID string, allowRetry bool) (*Event, error) {
	ctx, span := internal.StartSpan(ctx, "resolve")
	defer span.End()
	for {
		event, err := r.lookup(eventID, roomID)
		if err != nil {
			return nil, err
		}
		if event != nil {
			if !event.Encrypted() || event.Clear() != nil {
				return event, nil
			}
			algorithm := gjson.GetBytes(event.Content, "algorithm").Str
			if algorithm != crypto.AlgorithmGroup || r.machine.CanDecrypt(event.Content) {
				// Group events with a known session, plus everything else:
				// one-to-one events have no pre-check and must be attempted.
				res, err := r.machine.DecryptEvent(event.RoomID, event.Sender, event.Content)
				if err == nil {
					event.SetClear(res)
					return event, nil
				}
				if errors.Is(err, internal.ErrUnknownAlgorithm) {
					// More keys never fix an algorithm we do not speak.
					return nil, err
				}
				if !allowRetry {
					return nil, err
				}
			} else if !allowRetry {
				return nil, fmt.Errorf("%w: no inbound session for event %s", internal.ErrKeysUnavailable, eventID)
			}
		} else if !allowRetry {
			return nil, fmt.Errorf("%w: event %s", internal.ErrNotFound, eventID)
		}
		if err := r.syncOnce(ctx); err != nil {
			return nil, err
		}
		allowRetry = false
	}
}

// lookup finds the event in the cache, then the local store, then the events
// merged from this instance's sync responses. nil with no error means the
// event is not known locally. A found event is cached exactly once; repeat
// resolutions hand back the same pointer.
func (r *Resolver) lookup(eventID, roomID string) (*Event, error) {
	if event := r.cache[eventID]; event != nil {
		return event, nil
	}
	row, err := r.store.EventsTable.SelectByID(eventID)
	if err != nil {
		return nil, err
	}
	if row != nil {
		event, err := ParseEvent(row.JSON, row.RoomID)
		if err != nil {
			return nil, err
		}
		r.cache[eventID] = event
		return event, nil
	}
	if event := r.synced[eventID]; event != nil {
		r.cache[eventID] = event
		return event, nil
	}
	return nil, nil
}

// syncOnce is the bounded retry round: one sync call from the stored cursor
// with zero server-side wait and offline presence, applied to local state.
// The caller re-resolves afterwards with allowRetry hard false; there is
// never a second round.
func (r *Resolver) syncOnce(ctx context.Context) error {
	ctx, span := internal.StartSpan(ctx, "syncOnce")
	defer span.End()
	device, err := r.v2Store.DevicesTable.Device(r.userID, r.deviceID)
	if err != nil {
		return fmt.Errorf("syncOnce: load device: %s", err)
	}
	// The call is detached from the caller's context on purpose: an abandoned
	// request must not cancel the fetch, or the keys it carries would be lost
	// for the next resolution too. The client's own timeout bounds it.
	res, _, err := r.client.DoSync(context.Background(), r.token, device.Since, device.FilterID)
	r.syncRounds++
	if err != nil {
		return fmt.Errorf("%w: %s", internal.ErrNetworkFailure, err)
	}
	if r.stopped.Load() {
		// Stopped while the call was in flight: drop the response without
		// touching stores we no longer own.
		return fmt.Errorf("resolver stopped while sync was in flight")
	}
	r.applySyncResponse(ctx, res)
	return nil
}
