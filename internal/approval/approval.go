// Package approval implements the two-party workflow gating protected hunt
// transitions: a requester asks a distinct approver for access, and the
// protected operation passes only once the request is granted, unless the
// caller holds the supervisor override.
package approval

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/dragnet-project/dragnet/internal/attrstore"
	"github.com/dragnet-project/dragnet/internal/errors"
	"github.com/dragnet-project/dragnet/internal/telemetry"
)

// Action names a protected hunt operation.
type Action string

const (
	ActionRun    Action = "run"
	ActionPause  Action = "pause"
	ActionModify Action = "modify"
)

// State of an approval record. There is no revocation: GRANTED is terminal.
type State string

const (
	StateUnrequested State = "UNREQUESTED"
	StateRequested   State = "REQUESTED"
	StateGranted     State = "GRANTED"
)

// Actor is an identity attempting a protected operation. A non-empty
// SupervisorToken is verified against the gate's configured hash and, when
// valid, overrides the two-party requirement.
type Actor struct {
	Name            string
	SupervisorToken string
}

// Record is one (hunt, requester) approval.
type Record struct {
	ID          string    `json:"id"`
	HuntID      string    `json:"hunt_id"`
	Requester   string    `json:"requester"`
	Approver    string    `json:"approver"`
	Reason      string    `json:"reason"`
	State       State     `json:"state"`
	RequestedAt time.Time `json:"requested_at"`
	GrantedAt   time.Time `json:"granted_at,omitempty"`
}

const approvalsObject = "approvals"

// Gate stores approval records and answers access checks. Records are
// persisted through the attribute store and cached in memory; the cache is
// filled lazily per (hunt, requester) key so restarts need no scan.
type Gate struct {
	mu      sync.Mutex
	records map[string]*Record // keyed by huntID|requester

	store          attrstore.Store
	supervisorHash string
	now            func() time.Time
}

// NewGate creates a gate backed by the given store. supervisorHash is the
// bcrypt hash of the override token; empty disables the override.
func NewGate(store attrstore.Store, supervisorHash string) *Gate {
	return &Gate{
		records:        make(map[string]*Record),
		store:          store,
		supervisorHash: supervisorHash,
		now:            time.Now,
	}
}

// HashSupervisorToken produces the bcrypt hash to configure a gate with.
func HashSupervisorToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func recordKey(huntID, requester string) string {
	return huntID + "|" + requester
}

// Request creates a REQUESTED record for (huntID, requester). Repeating an
// identical request is idempotent and returns the existing record. A
// request after grant returns the granted record unchanged.
func (g *Gate) Request(ctx context.Context, huntID, requester, approver, reason string) (*Record, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.Validationf("request_approval", huntID, "approval reason must not be empty")
	}
	if requester == approver {
		return nil, errors.Validationf("request_approval", huntID, "requester %q cannot name themselves as approver", requester)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, err := g.loadLocked(ctx, huntID, requester)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.State == StateGranted {
			return existing.clone(), nil
		}
		if existing.Reason == reason {
			return existing.clone(), nil
		}
		// A different reason supersedes the pending request.
		log.Info().
			Str("hunt_id", huntID).
			Str("requester", requester).
			Msg("Superseding pending approval request")
	}

	record := &Record{
		ID:          uuid.NewString(),
		HuntID:      huntID,
		Requester:   requester,
		Approver:    approver,
		Reason:      reason,
		State:       StateRequested,
		RequestedAt: g.now(),
	}
	if err := g.persistLocked(ctx, record); err != nil {
		return nil, err
	}
	g.records[recordKey(huntID, requester)] = record

	log.Info().
		Str("hunt_id", huntID).
		Str("requester", requester).
		Str("approver", approver).
		Msg("Approval requested")
	return record.clone(), nil
}

// Grant transitions the outstanding (huntID, requester) request to GRANTED.
// The approver must differ from the requester and the reason must match the
// request exactly; otherwise the grant fails with a validation error.
func (g *Gate) Grant(ctx context.Context, huntID, approver, requester, reason string) (*Record, error) {
	if approver == requester {
		return nil, errors.Validationf("grant_approval", huntID, "approver %q cannot grant their own request", approver)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	record, err := g.loadLocked(ctx, huntID, requester)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.Validationf("grant_approval", huntID, "no approval request from %q: %w", requester, errors.ErrNotFound)
	}
	if record.State == StateGranted {
		return record.clone(), nil
	}
	if record.Reason != reason {
		return nil, errors.Validationf("grant_approval", huntID, "reason mismatch for request from %q", requester)
	}

	record.State = StateGranted
	record.Approver = approver
	record.GrantedAt = g.now()
	if err := g.persistLocked(ctx, record); err != nil {
		return nil, err
	}

	log.Info().
		Str("hunt_id", huntID).
		Str("requester", requester).
		Str("approver", approver).
		Msg("Approval granted")
	return record.clone(), nil
}

// Check passes when the actor holds a valid supervisor override or a
// GRANTED record exists for (huntID, actor). Everything else is an
// authorization error the caller surfaces as "approval required".
func (g *Gate) Check(ctx context.Context, huntID string, actor Actor, action Action) error {
	if actor.SupervisorToken != "" && g.supervisorHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(g.supervisorHash), []byte(actor.SupervisorToken)) == nil {
			telemetry.RecordApprovalCheck("supervisor")
			return nil
		}
	}

	g.mu.Lock()
	record, err := g.loadLocked(ctx, huntID, actor.Name)
	g.mu.Unlock()
	if err != nil {
		return err
	}

	if record != nil && record.State == StateGranted {
		telemetry.RecordApprovalCheck("granted")
		return nil
	}

	telemetry.RecordApprovalCheck("denied")
	return errors.NewAuthorizationError("check_approval", huntID, errors.ErrApprovalRequired)
}

// Get returns the current approval record for (huntID, requester), or the
// UNREQUESTED zero record when none exists.
func (g *Gate) Get(ctx context.Context, huntID, requester string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, err := g.loadLocked(ctx, huntID, requester)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &Record{
			HuntID:    huntID,
			Requester: requester,
			State:     StateUnrequested,
		}, nil
	}
	return record.clone(), nil
}

// loadLocked returns the cached record, reading through to the store on a
// cache miss. Returns nil when no record exists.
func (g *Gate) loadLocked(ctx context.Context, huntID, requester string) (*Record, error) {
	key := recordKey(huntID, requester)
	if record, ok := g.records[key]; ok {
		return record, nil
	}

	latest, err := attrstore.ReadLatest(ctx, g.store, approvalsObject, key)
	if err != nil {
		return nil, errors.WrapStoreError("load_approval", huntID, err)
	}
	if latest == "" {
		return nil, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(latest), &record); err != nil {
		return nil, errors.WrapStoreError("decode_approval", huntID, err)
	}
	g.records[key] = &record
	return &record, nil
}

// persistLocked appends the record's current state to its history.
func (g *Gate) persistLocked(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapStoreError("encode_approval", record.HuntID, err)
	}
	if err := g.store.Append(ctx, approvalsObject, recordKey(record.HuntID, record.Requester), string(data)); err != nil {
		return errors.WrapStoreError("persist_approval", record.HuntID, err)
	}
	return nil
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}
