package hunt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/dragnet-project/dragnet/internal/approval"
	"github.com/dragnet-project/dragnet/internal/attrstore"
	"github.com/dragnet-project/dragnet/internal/errors"
	"github.com/dragnet-project/dragnet/internal/events"
	"github.com/dragnet-project/dragnet/internal/foreman"
	"github.com/dragnet-project/dragnet/internal/rules"
	"github.com/dragnet-project/dragnet/internal/stats"
)

// Persisted attribute layout. Each hunt is one attribute store object named
// by its id; the index object lists every hunt ever created.
const (
	huntIndexObject = "hunts"
	attrIndexIDs    = "ids"

	attrConfig   = "config"
	attrState    = "state"
	attrRules    = "rules"
	attrStarted  = "started"
	attrFinished = "finished"
	attrErrored  = "errored"
	attrBadness  = "badness"
	attrLog      = "log"
	attrErrorLog = "error_log"
	attrSamples  = "resource_samples"
)

// huntRecord is the persisted form of a hunt's configuration.
type huntRecord struct {
	Description string    `json:"description"`
	ClientLimit int       `json:"client_limit"`
	NotifyEvent string    `json:"notify_event,omitempty"`
	Created     time.Time `json:"created"`
	Expires     time.Time `json:"expires"`
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	// Store persists hunt state, membership, and samples.
	Store attrstore.Store
	// Rules is the foreman's active rule table.
	Rules foreman.RuleStore
	// Gate authorizes protected lifecycle transitions. Required.
	Gate *approval.Gate
	// Events receives outcome notifications. Optional.
	Events events.Sink
	// Dispatcher enqueues hunt tasks on clients.
	Dispatcher Dispatcher
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns every hunt in the control plane. It implements the
// foreman's Scheduler so matched clients are started here, against the
// hunt's state and client limit.
type Manager struct {
	mu    sync.RWMutex
	hunts map[string]*Hunt

	store      attrstore.Store
	rules      foreman.RuleStore
	gate       *approval.Gate
	sink       events.Sink
	dispatcher Dispatcher
	now        func() time.Time
}

// NewManager creates an empty manager. Call Load to rehydrate persisted
// hunts before serving.
func NewManager(deps Deps, opts ...Option) *Manager {
	m := &Manager{
		hunts:      make(map[string]*Hunt),
		store:      deps.Store,
		rules:      deps.Rules,
		gate:       deps.Gate,
		sink:       deps.Events,
		dispatcher: deps.Dispatcher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateHunt validates the configuration, persists the new hunt, and
// returns it in CONSTRUCTED state.
func (m *Manager) CreateHunt(ctx context.Context, cfg Config) (*Hunt, error) {
	if cfg.ClientLimit < 0 {
		return nil, errors.Validationf("create_hunt", "", "client limit must not be negative, got %d", cfg.ClientLimit)
	}
	if cfg.ClientLimit > MaxClientLimit {
		return nil, errors.Validationf("create_hunt", "", "client limit %d exceeds creation maximum %d", cfg.ClientLimit, MaxClientLimit)
	}

	expiry := cfg.Expiry
	if expiry == 0 {
		expiry = DefaultExpiry
	}
	now := m.now()

	h := &Hunt{
		id:          "H." + ulid.Make().String(),
		description: cfg.Description,
		notifyEvent: cfg.NotifyEvent,
		state:       StateConstructed,
		clientLimit: cfg.ClientLimit,
		created:     now,
		expires:     now.Add(expiry),
		sets:        newClientSets(),
		usage:       stats.NewUsage(),
	}

	if _, err := m.store.Open(ctx, h.id); err != nil {
		return nil, errors.WrapStoreError("create_hunt", h.id, err)
	}
	if err := m.persistConfigLocked(ctx, h); err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, h.id, attrState, string(StateConstructed)); err != nil {
		return nil, errors.WrapStoreError("create_hunt", h.id, err)
	}
	if err := m.store.Append(ctx, huntIndexObject, attrIndexIDs, h.id); err != nil {
		return nil, errors.WrapStoreError("create_hunt", h.id, err)
	}

	m.mu.Lock()
	m.hunts[h.id] = h
	m.mu.Unlock()

	log.Info().
		Str("hunt_id", h.id).
		Str("description", cfg.Description).
		Int("client_limit", cfg.ClientLimit).
		Msg("Hunt created")
	return h, nil
}

// AddRule attaches one OR-branch of predicates to the hunt. Adding an
// identical branch again is a no-op. A running hunt republishes its rules
// immediately.
func (m *Manager) AddRule(ctx context.Context, huntID string, preds RulePredicates) error {
	h, err := m.get(huntID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateStopped {
		return errors.NewValidationError("add_rule", huntID, errors.ErrHuntStopped)
	}
	if len(preds.Regex)+len(preds.Integers) == 0 {
		// A predicate-free branch would match the whole fleet.
		return errors.Validationf("add_rule", huntID, "rule group needs at least one predicate")
	}

	fp := predicateFingerprint(preds.Regex, preds.Integers)
	for _, group := range h.groups {
		if predicateFingerprint(group.Regex, group.Integers) == fp {
			return nil
		}
	}

	h.nextGroup++
	group := rules.RuleGroup{
		ID:       fmt.Sprintf("g%d", h.nextGroup),
		HuntID:   huntID,
		Regex:    append([]rules.RegexRule(nil), preds.Regex...),
		Integers: append([]rules.IntegerRule(nil), preds.Integers...),
		Created:  m.now(),
		Expires:  h.expires,
	}
	h.groups = append(h.groups, group)

	if err := m.persistRulesLocked(ctx, h); err != nil {
		h.groups = h.groups[:len(h.groups)-1]
		return err
	}
	if h.state == StateRunning {
		m.rules.Publish(huntID, h.groups)
	}

	log.Info().
		Str("hunt_id", huntID).
		Stringer("group", group).
		Msg("Rule group added")
	return nil
}

// Run transitions the hunt to RUNNING and publishes its rule groups to the
// foreman. Running an already-running hunt is a no-op. Protected by the
// approval gate.
func (m *Manager) Run(ctx context.Context, huntID string, actor approval.Actor) error {
	h, err := m.get(huntID)
	if err != nil {
		return err
	}
	if err := m.gate.Check(ctx, huntID, actor, approval.ActionRun); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateRunning:
		return nil
	case StateStopped:
		return errors.NewValidationError("run_hunt", huntID, errors.ErrHuntStopped)
	}

	if err := m.store.Set(ctx, huntID, attrState, string(StateRunning)); err != nil {
		return errors.WrapStoreError("run_hunt", huntID, err)
	}
	h.state = StateRunning
	m.rules.Publish(huntID, h.groups)

	log.Info().
		Str("hunt_id", huntID).
		Str("actor", actor.Name).
		Int("rule_groups", len(h.groups)).
		Msg("Hunt running")
	return nil
}

// Pause withdraws the hunt's rules and suspends dispatching. Clients
// already started keep reporting outcomes. Pausing a paused hunt is a
// no-op. Protected by the approval gate.
func (m *Manager) Pause(ctx context.Context, huntID string, actor approval.Actor) error {
	h, err := m.get(huntID)
	if err != nil {
		return err
	}
	if err := m.gate.Check(ctx, huntID, actor, approval.ActionPause); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StatePaused:
		return nil
	case StateStopped:
		return errors.NewValidationError("pause_hunt", huntID, errors.ErrHuntStopped)
	case StateConstructed:
		return errors.Validationf("pause_hunt", huntID, "hunt has not been run")
	}

	if err := m.store.Set(ctx, huntID, attrState, string(StatePaused)); err != nil {
		return errors.WrapStoreError("pause_hunt", huntID, err)
	}
	h.state = StatePaused
	m.rules.Remove(huntID)

	log.Info().
		Str("hunt_id", huntID).
		Str("actor", actor.Name).
		Msg("Hunt paused")
	return nil
}

// Stop terminally stops the hunt and withdraws its rules. No new clients
// are dispatched; outcomes for already-started clients are still recorded.
// Stopping a stopped hunt is a no-op.
func (m *Manager) Stop(ctx context.Context, huntID string) error {
	h, err := m.get(huntID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateStopped {
		return nil
	}

	if err := m.store.Set(ctx, huntID, attrState, string(StateStopped)); err != nil {
		return errors.WrapStoreError("stop_hunt", huntID, err)
	}
	h.state = StateStopped
	m.rules.Remove(huntID)

	log.Info().Str("hunt_id", huntID).Msg("Hunt stopped")
	return nil
}

// Modify adjusts the client limit and/or expiry of a hunt that is not
// STOPPED. Raising the limit past the creation maximum is allowed here.
// A running hunt with a new expiry republishes its rules. Protected by
// the approval gate.
func (m *Manager) Modify(ctx context.Context, huntID string, actor approval.Actor, params ModifyParams) error {
	h, err := m.get(huntID)
	if err != nil {
		return err
	}
	if err := m.gate.Check(ctx, huntID, actor, approval.ActionModify); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateStopped {
		return errors.NewValidationError("modify_hunt", huntID, errors.ErrHuntStopped)
	}
	if params.ClientLimit != nil && *params.ClientLimit < 0 {
		return errors.Validationf("modify_hunt", huntID, "client limit must not be negative, got %d", *params.ClientLimit)
	}

	prevLimit, prevExpires := h.clientLimit, h.expires
	if params.ClientLimit != nil {
		h.clientLimit = *params.ClientLimit
	}
	if params.Expires != nil {
		h.expires = *params.Expires
		for i := range h.groups {
			h.groups[i].Expires = h.expires
		}
	}

	if err := m.persistConfigLocked(ctx, h); err != nil {
		h.clientLimit, h.expires = prevLimit, prevExpires
		return err
	}
	if params.Expires != nil {
		if err := m.persistRulesLocked(ctx, h); err != nil {
			return err
		}
		if h.state == StateRunning {
			m.rules.Publish(huntID, h.groups)
		}
	}

	log.Info().
		Str("hunt_id", huntID).
		Str("actor", actor.Name).
		Int("client_limit", h.clientLimit).
		Time("expires", h.expires).
		Msg("Hunt modified")
	return nil
}

// TryStartClient implements the foreman's scheduler. It admits the client
// against the hunt's state and client limit, dispatches the task, and
// records the client as started. A false return with nil error means the
// hunt is not running or its limit is reached; the foreman rolls the
// assignment back so the client stays eligible.
func (m *Manager) TryStartClient(ctx context.Context, huntID, clientID string) (bool, error) {
	h, err := m.get(huntID)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	state, limit := h.state, h.clientLimit
	h.mu.Unlock()

	if state != StateRunning {
		return false, nil
	}
	if !h.sets.tryReserve(clientID, limit) {
		return false, nil
	}

	if err := m.dispatcher.StartClient(ctx, huntID, clientID, limit); err != nil {
		h.sets.release(clientID)
		return false, err
	}
	if err := m.store.Append(ctx, huntID, attrStarted, clientID); err != nil {
		// The task is already on the client; keep the reservation so
		// the limit stays accurate and surface the store failure.
		log.Error().Err(err).
			Str("hunt_id", huntID).
			Str("client_id", clientID).
			Msg("Failed to persist started client")
	}

	log.Debug().
		Str("hunt_id", huntID).
		Str("client_id", clientID).
		Msg("Client started")
	return true, nil
}

// Get returns the hunt by id.
func (m *Manager) Get(huntID string) (*Hunt, error) {
	return m.get(huntID)
}

func (m *Manager) get(huntID string) (*Hunt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hunts[huntID]
	if !ok {
		return nil, errors.WrapNotFound("get_hunt", huntID)
	}
	return h, nil
}

// Load rehydrates every persisted hunt and republishes the rules of those
// still RUNNING. Unreadable hunts are logged and skipped so one corrupt
// record cannot take the control plane down.
func (m *Manager) Load(ctx context.Context) error {
	ids, err := attrstore.ReadSet(ctx, m.store, huntIndexObject, attrIndexIDs)
	if err != nil {
		return errors.WrapStoreError("load_hunts", huntIndexObject, err)
	}

	loaded := 0
	for id := range ids {
		h, err := m.loadHunt(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("hunt_id", id).Msg("Skipping unreadable hunt")
			continue
		}

		m.mu.Lock()
		m.hunts[id] = h
		m.mu.Unlock()

		if h.State() == StateRunning {
			h.mu.Lock()
			m.rules.Publish(id, h.groups)
			h.mu.Unlock()
		}
		loaded++
	}

	log.Info().Int("hunts", loaded).Msg("Hunts loaded")
	return nil
}

func (m *Manager) loadHunt(ctx context.Context, id string) (*Hunt, error) {
	rawConfig, err := attrstore.ReadLatest(ctx, m.store, id, attrConfig)
	if err != nil {
		return nil, errors.WrapStoreError("load_hunt", id, err)
	}
	if rawConfig == "" {
		return nil, errors.WrapNotFound("load_hunt", id)
	}
	var record huntRecord
	if err := json.Unmarshal([]byte(rawConfig), &record); err != nil {
		return nil, errors.WrapStoreError("load_hunt", id, err)
	}

	rawState, err := attrstore.ReadLatest(ctx, m.store, id, attrState)
	if err != nil {
		return nil, errors.WrapStoreError("load_hunt", id, err)
	}
	if rawState == "" {
		rawState = string(StateConstructed)
	}

	h := &Hunt{
		id:          id,
		description: record.Description,
		notifyEvent: record.NotifyEvent,
		state:       State(rawState),
		clientLimit: record.ClientLimit,
		created:     record.Created,
		expires:     record.Expires,
		sets:        newClientSets(),
		usage:       stats.NewUsage(),
	}

	rawRules, err := attrstore.ReadLatest(ctx, m.store, id, attrRules)
	if err != nil {
		return nil, errors.WrapStoreError("load_hunt", id, err)
	}
	if rawRules != "" {
		if err := json.Unmarshal([]byte(rawRules), &h.groups); err != nil {
			return nil, errors.WrapStoreError("load_hunt", id, err)
		}
	}
	h.nextGroup = len(h.groups)

	started, err := attrstore.ReadSet(ctx, m.store, id, attrStarted)
	if err != nil {
		return nil, errors.WrapStoreError("load_hunt", id, err)
	}
	finished, err := attrstore.ReadSet(ctx, m.store, id, attrFinished)
	if err != nil {
		return nil, errors.WrapStoreError("load_hunt", id, err)
	}
	errored, err := attrstore.ReadSet(ctx, m.store, id, attrErrored)
	if err != nil {
		return nil, errors.WrapStoreError("load_hunt", id, err)
	}
	badness, err := attrstore.ReadSet(ctx, m.store, id, attrBadness)
	if err != nil {
		return nil, errors.WrapStoreError("load_hunt", id, err)
	}
	h.sets.restore(started, finished, errored, badness)

	samples, err := m.store.Get(ctx, id, attrSamples)
	if err != nil {
		return nil, errors.WrapStoreError("load_hunt", id, err)
	}
	for _, value := range samples {
		var sample stats.ResourceSample
		if err := json.Unmarshal([]byte(value.Data), &sample); err != nil {
			log.Warn().Err(err).Str("hunt_id", id).Msg("Skipping unreadable resource sample")
			continue
		}
		h.usage.Record(sample)
	}

	return h, nil
}

// persistConfigLocked writes the hunt's configuration record. Caller holds
// h.mu.
func (m *Manager) persistConfigLocked(ctx context.Context, h *Hunt) error {
	record := huntRecord{
		Description: h.description,
		ClientLimit: h.clientLimit,
		NotifyEvent: h.notifyEvent,
		Created:     h.created,
		Expires:     h.expires,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapStoreError("persist_hunt", h.id, err)
	}
	if err := m.store.Set(ctx, h.id, attrConfig, string(data)); err != nil {
		return errors.WrapStoreError("persist_hunt", h.id, err)
	}
	return nil
}

// persistRulesLocked writes the hunt's full rule group list. Caller holds
// h.mu.
func (m *Manager) persistRulesLocked(ctx context.Context, h *Hunt) error {
	data, err := json.Marshal(h.groups)
	if err != nil {
		return errors.WrapStoreError("persist_rules", h.id, err)
	}
	if err := m.store.Set(ctx, h.id, attrRules, string(data)); err != nil {
		return errors.WrapStoreError("persist_rules", h.id, err)
	}
	return nil
}

// predicateFingerprint canonicalizes a branch's predicates for the AddRule
// idempotency check.
func predicateFingerprint(regex []rules.RegexRule, integers []rules.IntegerRule) string {
	type branch struct {
		Regex    []rules.RegexRule   `json:"regex"`
		Integers []rules.IntegerRule `json:"integers"`
	}
	data, err := json.Marshal(branch{Regex: regex, Integers: integers})
	if err != nil {
		return ""
	}
	return string(data)
}
