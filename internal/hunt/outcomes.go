package hunt

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/dragnet-project/dragnet/internal/errors"
	"github.com/dragnet-project/dragnet/internal/stats"
	"github.com/dragnet-project/dragnet/internal/telemetry"
)

// RecordSuccess marks the client's task as completed cleanly.
func (m *Manager) RecordSuccess(ctx context.Context, huntID, clientID string) error {
	return m.RecordOutcome(ctx, huntID, clientID, Outcome{Kind: OutcomeSuccess})
}

// RecordBadness marks the client as having surfaced what the hunt was
// looking for. The client counts as finished as well.
func (m *Manager) RecordBadness(ctx context.Context, huntID, clientID, note string) error {
	return m.RecordOutcome(ctx, huntID, clientID, Outcome{Kind: OutcomeBadness, Message: note})
}

// RecordError marks the client's task as failed. The client joins the
// errored set only; errors never count as finished.
func (m *Manager) RecordError(ctx context.Context, huntID, clientID, message string) error {
	return m.RecordOutcome(ctx, huntID, clientID, Outcome{Kind: OutcomeError, Message: message})
}

// RecordOutcome persists the outcome, updates the membership sets, and
// fires the hunt's notification event. There is no state gate: a client
// dispatched before the hunt stopped still gets its outcome recorded.
// Appends are replayable, so a partial persist is safe to retry.
func (m *Manager) RecordOutcome(ctx context.Context, huntID, clientID string, outcome Outcome) error {
	h, err := m.get(huntID)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		if err := m.store.Append(ctx, huntID, attrFinished, clientID); err != nil {
			return errors.WrapStoreError("record_outcome", huntID, err)
		}
		h.sets.recordFinished(clientID)

	case OutcomeBadness:
		if err := m.store.Append(ctx, huntID, attrBadness, clientID); err != nil {
			return errors.WrapStoreError("record_outcome", huntID, err)
		}
		if err := m.store.Append(ctx, huntID, attrFinished, clientID); err != nil {
			return errors.WrapStoreError("record_outcome", huntID, err)
		}
		h.sets.recordBadness(clientID)

	case OutcomeError:
		if err := m.store.Append(ctx, huntID, attrErrored, clientID); err != nil {
			return errors.WrapStoreError("record_outcome", huntID, err)
		}
		h.sets.recordErrored(clientID)
		if err := m.appendLog(ctx, huntID, attrErrorLog, clientID, outcome.Message); err != nil {
			log.Error().Err(err).Str("hunt_id", huntID).Msg("Failed to persist error log entry")
		}

	default:
		return errors.Validationf("record_outcome", huntID, "unknown outcome kind %q", outcome.Kind)
	}

	telemetry.RecordOutcome(string(outcome.Kind))
	m.notify(h, clientID, outcome)

	log.Debug().
		Str("hunt_id", huntID).
		Str("client_id", clientID).
		Str("kind", string(outcome.Kind)).
		Msg("Outcome recorded")
	return nil
}

// notify publishes the outcome on the hunt's notification event. Delivery
// is fire-and-forget: listener behavior never reaches hunt state.
func (m *Manager) notify(h *Hunt, clientID string, outcome Outcome) {
	if m.sink == nil || h.notifyEvent == "" {
		return
	}
	m.sink.Publish(h.notifyEvent, OutcomeNotice{
		HuntID:   h.id,
		ClientID: clientID,
		Kind:     outcome.Kind,
		Message:  outcome.Message,
	})
}

// RecordResourceUsage folds one completed task's resource sample into the
// hunt's aggregates.
func (m *Manager) RecordResourceUsage(ctx context.Context, huntID string, sample stats.ResourceSample) error {
	h, err := m.get(huntID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(sample)
	if err != nil {
		return errors.WrapStoreError("record_usage", huntID, err)
	}
	if err := m.store.Append(ctx, huntID, attrSamples, string(data)); err != nil {
		return errors.WrapStoreError("record_usage", huntID, err)
	}

	h.usage.Record(sample)
	return nil
}

// GetResourceUsage answers a usage query against the hunt's samples.
// clientID filters to one client when non-empty; groupByClient sums each
// client's tasks into a single pair.
func (m *Manager) GetResourceUsage(ctx context.Context, huntID, clientID string, groupByClient bool) (stats.ResourceUsage, error) {
	h, err := m.get(huntID)
	if err != nil {
		return stats.ResourceUsage{}, err
	}
	return h.usage.ResourceUsage(clientID, groupByClient), nil
}

// LogResult appends a line to the hunt's result log.
func (m *Manager) LogResult(ctx context.Context, huntID, clientID, message string) error {
	if _, err := m.get(huntID); err != nil {
		return err
	}
	return m.appendLog(ctx, huntID, attrLog, clientID, message)
}

// LogClientError appends a line to the hunt's error log.
func (m *Manager) LogClientError(ctx context.Context, huntID, clientID, message string) error {
	if _, err := m.get(huntID); err != nil {
		return err
	}
	return m.appendLog(ctx, huntID, attrErrorLog, clientID, message)
}

func (m *Manager) appendLog(ctx context.Context, huntID, attribute, clientID, message string) error {
	entry := LogEntry{
		ClientID: clientID,
		Message:  message,
		Time:     m.now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapStoreError("append_log", huntID, err)
	}
	if err := m.store.Append(ctx, huntID, attribute, string(data)); err != nil {
		return errors.WrapStoreError("append_log", huntID, err)
	}
	return nil
}

// Log returns the hunt's result log, oldest first.
func (m *Manager) Log(ctx context.Context, huntID string) ([]LogEntry, error) {
	return m.readLog(ctx, huntID, attrLog)
}

// ErrorLog returns the hunt's error log, oldest first.
func (m *Manager) ErrorLog(ctx context.Context, huntID string) ([]LogEntry, error) {
	return m.readLog(ctx, huntID, attrErrorLog)
}

func (m *Manager) readLog(ctx context.Context, huntID, attribute string) ([]LogEntry, error) {
	if _, err := m.get(huntID); err != nil {
		return nil, err
	}
	values, err := m.store.Get(ctx, huntID, attribute)
	if err != nil {
		return nil, errors.WrapStoreError("read_log", huntID, err)
	}

	entries := make([]LogEntry, 0, len(values))
	for _, value := range values {
		var entry LogEntry
		if err := json.Unmarshal([]byte(value.Data), &entry); err != nil {
			log.Warn().Err(err).Str("hunt_id", huntID).Msg("Skipping unreadable log entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// OutstandingRequests returns the clients that were started but have not
// reported a terminal outcome, sorted by id.
func (m *Manager) OutstandingRequests(ctx context.Context, huntID string) ([]string, error) {
	h, err := m.get(huntID)
	if err != nil {
		return nil, err
	}
	return h.sets.outstanding(), nil
}

// Summary returns the hunt's accounting snapshot.
func (m *Manager) Summary(ctx context.Context, huntID string) (Summary, error) {
	h, err := m.get(huntID)
	if err != nil {
		return Summary{}, err
	}

	h.mu.Lock()
	summary := Summary{
		ID:          h.id,
		Description: h.description,
		State:       h.state,
		ClientLimit: h.clientLimit,
		Created:     h.created,
		Expires:     h.expires,
		RuleGroups:  len(h.groups),
	}
	h.mu.Unlock()

	started, finished, errored, badness := h.sets.counts()
	summary.Started = started
	summary.Finished = finished
	summary.Errored = errored
	summary.Badness = badness
	summary.Outstanding = len(h.sets.outstanding())
	summary.Usage = h.usage.Summary()
	return summary, nil
}

// List returns a summary for every hunt, sorted by id.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.hunts))
	for id := range m.hunts {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		summary, err := m.Summary(ctx, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
