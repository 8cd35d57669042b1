// Package hunt manages the lifecycle and accounting of hunts: fleet-wide
// investigations that fan a task out to every matching client. A hunt is
// created with rule groups and capacity limits, publishes its rules to the
// foreman while running, and tracks per-client progress and resource usage
// until every dispatched client reports a terminal outcome.
package hunt

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dragnet-project/dragnet/internal/rules"
	"github.com/dragnet-project/dragnet/internal/stats"
)

// State of a hunt. STOPPED is terminal.
type State string

const (
	StateConstructed State = "CONSTRUCTED"
	StateRunning     State = "RUNNING"
	StatePaused      State = "PAUSED"
	StateStopped     State = "STOPPED"
)

// MaxClientLimit caps the client limit at creation. Modify may raise the
// limit past it once the hunt has been vetted.
const MaxClientLimit = 1000

// DefaultExpiry is applied when a hunt is created without one.
const DefaultExpiry = 14 * 24 * time.Hour

// OutcomeKind classifies a client's terminal outcome.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeBadness OutcomeKind = "badness"
	OutcomeError   OutcomeKind = "error"
)

// Outcome is a client's terminal report for its hunt task. Message carries
// the error detail or the badness note.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

// OutcomeNotice is the payload published on the hunt's notification event
// for every terminal outcome.
type OutcomeNotice struct {
	HuntID   string      `json:"hunt_id"`
	ClientID string      `json:"client_id"`
	Kind     OutcomeKind `json:"kind"`
	Message  string      `json:"message,omitempty"`
}

// Dispatcher hands the hunt's task to one client. Implementations enqueue
// the work on the client's task queue; they do not wait for completion.
// limit is the hunt's client limit at dispatch time (zero when unlimited)
// so downstream schedulers can pace retries against remaining capacity.
type Dispatcher interface {
	StartClient(ctx context.Context, huntID, clientID string, limit int) error
}

// Config carries the creation parameters of a hunt.
type Config struct {
	Description string
	// ClientLimit bounds how many clients the hunt may start. Zero means
	// unlimited. Creation rejects limits above MaxClientLimit.
	ClientLimit int
	// Expiry is the rule lifetime from creation. Zero applies
	// DefaultExpiry.
	Expiry time.Duration
	// NotifyEvent, when set, names the event fired on each terminal
	// outcome.
	NotifyEvent string
}

// RulePredicates is one OR-branch of a hunt's rule set. All predicates in
// the branch must match a client for the branch to match.
type RulePredicates struct {
	Regex    []rules.RegexRule
	Integers []rules.IntegerRule
}

// ModifyParams adjusts a hunt in place. Nil fields are left unchanged.
type ModifyParams struct {
	ClientLimit *int
	Expires     *time.Time
}

// LogEntry is one hunt log line.
type LogEntry struct {
	ClientID string    `json:"client_id,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Summary is the accounting snapshot of one hunt.
type Summary struct {
	ID          string             `json:"id"`
	Description string             `json:"description"`
	State       State              `json:"state"`
	ClientLimit int                `json:"client_limit"`
	Created     time.Time          `json:"created"`
	Expires     time.Time          `json:"expires"`
	RuleGroups  int                `json:"rule_groups"`
	Started     int                `json:"started"`
	Finished    int                `json:"finished"`
	Errored     int                `json:"errored"`
	Badness     int                `json:"badness"`
	Outstanding int                `json:"outstanding"`
	Usage       stats.UsageSummary `json:"usage"`
}

// Hunt is one fleet investigation. Lifecycle fields are guarded by mu;
// per-client membership lives in sets under its own lock so outcome
// posting never waits on a lifecycle transition.
type Hunt struct {
	mu          sync.Mutex
	state       State
	clientLimit int
	expires     time.Time
	groups      []rules.RuleGroup
	nextGroup   int

	id          string
	description string
	notifyEvent string
	created     time.Time

	sets  *clientSets
	usage *stats.Usage
}

// ID returns the hunt id.
func (h *Hunt) ID() string { return h.id }

// State returns the current lifecycle state.
func (h *Hunt) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// clientSets tracks which clients the hunt started and how each one ended.
// A client is outstanding while in started but in neither finished nor
// errored.
type clientSets struct {
	mu       sync.Mutex
	started  map[string]struct{}
	finished map[string]struct{}
	errored  map[string]struct{}
	badness  map[string]struct{}
}

func newClientSets() *clientSets {
	return &clientSets{
		started:  make(map[string]struct{}),
		finished: make(map[string]struct{}),
		errored:  make(map[string]struct{}),
		badness:  make(map[string]struct{}),
	}
}

// tryReserve admits the client into started if it is new and the limit has
// room. The check and the insert are atomic so racing dispatches cannot
// overshoot the limit.
func (s *clientSets) tryReserve(clientID string, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.started[clientID]; ok {
		return false
	}
	if limit > 0 && len(s.started) >= limit {
		return false
	}
	s.started[clientID] = struct{}{}
	return true
}

// release backs out a reservation whose dispatch failed.
func (s *clientSets) release(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.started, clientID)
}

func (s *clientSets) recordFinished(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[clientID] = struct{}{}
}

func (s *clientSets) recordErrored(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored[clientID] = struct{}{}
}

func (s *clientSets) recordBadness(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badness[clientID] = struct{}{}
	s.finished[clientID] = struct{}{}
}

func (s *clientSets) counts() (started, finished, errored, badness int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started), len(s.finished), len(s.errored), len(s.badness)
}

// outstanding returns started clients with no terminal outcome yet, sorted
// for deterministic output.
func (s *clientSets) outstanding() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for clientID := range s.started {
		if _, done := s.finished[clientID]; done {
			continue
		}
		if _, failed := s.errored[clientID]; failed {
			continue
		}
		out = append(out, clientID)
	}
	sort.Strings(out)
	return out
}

// restore seeds a set from persisted membership during rehydration.
func (s *clientSets) restore(started, finished, errored, badness map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range started {
		s.started[id] = struct{}{}
	}
	for id := range finished {
		s.finished[id] = struct{}{}
	}
	for id := range errored {
		s.errored[id] = struct{}{}
	}
	for id := range badness {
		s.badness[id] = struct{}{}
	}
}
