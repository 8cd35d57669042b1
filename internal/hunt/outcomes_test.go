package hunt

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dragnet-project/dragnet/internal/approval"
	"github.com/dragnet-project/dragnet/internal/attrstore"
	"github.com/dragnet-project/dragnet/internal/events"
	"github.com/dragnet-project/dragnet/internal/foreman"
	"github.com/dragnet-project/dragnet/internal/stats"
)

func TestOutcomeAccounting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.runningHunt(t, Config{})

	for i := 1; i <= 5; i++ {
		if n := env.checkIn(t, i); n != 1 {
			t.Fatalf("client %d: expected dispatch, got %d", i, n)
		}
	}

	if err := env.manager.RecordSuccess(ctx, h.ID(), "endpoint-1"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if err := env.manager.RecordSuccess(ctx, h.ID(), "endpoint-2"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if err := env.manager.RecordBadness(ctx, h.ID(), "endpoint-3", "beacon found"); err != nil {
		t.Fatalf("RecordBadness failed: %v", err)
	}
	if err := env.manager.RecordError(ctx, h.ID(), "endpoint-4", "scan crashed"); err != nil {
		t.Fatalf("RecordError failed: %v", err)
	}
	if err := env.manager.RecordError(ctx, h.ID(), "endpoint-5", "timeout"); err != nil {
		t.Fatalf("RecordError failed: %v", err)
	}

	summary := env.summary(t, h.ID())
	if summary.Started != 5 {
		t.Errorf("expected 5 started, got %d", summary.Started)
	}
	// Badness counts as finished; errors never do.
	if summary.Finished != 3 {
		t.Errorf("expected 3 finished, got %d", summary.Finished)
	}
	if summary.Errored != 2 {
		t.Errorf("expected 2 errored, got %d", summary.Errored)
	}
	if summary.Badness != 1 {
		t.Errorf("expected 1 badness, got %d", summary.Badness)
	}
	if summary.Outstanding != 0 {
		t.Errorf("expected no outstanding clients, got %d", summary.Outstanding)
	}

	// Error outcomes land in the error log.
	errLog, err := env.manager.ErrorLog(ctx, h.ID())
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(errLog) != 2 {
		t.Fatalf("expected 2 error log entries, got %d", len(errLog))
	}
	if errLog[0].ClientID != "endpoint-4" || errLog[0].Message != "scan crashed" {
		t.Errorf("unexpected first error entry: %+v", errLog[0])
	}
}

func TestOutstandingRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.runningHunt(t, Config{})

	for i := 1; i <= 4; i++ {
		env.checkIn(t, i)
	}
	if err := env.manager.RecordSuccess(ctx, h.ID(), "endpoint-2"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if err := env.manager.RecordError(ctx, h.ID(), "endpoint-4", "boom"); err != nil {
		t.Fatalf("RecordError failed: %v", err)
	}

	outstanding, err := env.manager.OutstandingRequests(ctx, h.ID())
	if err != nil {
		t.Fatalf("OutstandingRequests failed: %v", err)
	}
	if len(outstanding) != 2 || outstanding[0] != "endpoint-1" || outstanding[1] != "endpoint-3" {
		t.Errorf("unexpected outstanding clients: %v", outstanding)
	}
}

func TestLateOutcomeAfterStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.runningHunt(t, Config{})

	if n := env.checkIn(t, 1); n != 1 {
		t.Fatalf("expected dispatch, got %d", n)
	}
	if err := env.manager.Stop(ctx, h.ID()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The stopped hunt still accepts the outcome of its started client.
	if err := env.manager.RecordSuccess(ctx, h.ID(), "endpoint-1"); err != nil {
		t.Errorf("late outcome must be recorded, got %v", err)
	}
	if got := env.summary(t, h.ID()).Finished; got != 1 {
		t.Errorf("expected 1 finished, got %d", got)
	}

	// But no new client is dispatched.
	if n := env.checkIn(t, 2); n != 0 {
		t.Errorf("stopped hunt must not dispatch, got %d", n)
	}
}

func TestOutcomeNotifications(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.runningHunt(t, Config{NotifyEvent: "hunt.outcome"})

	env.checkIn(t, 1)
	env.checkIn(t, 2)
	env.checkIn(t, 3)
	if err := env.manager.RecordSuccess(ctx, h.ID(), "endpoint-1"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if err := env.manager.RecordBadness(ctx, h.ID(), "endpoint-2", "implant found"); err != nil {
		t.Fatalf("RecordBadness failed: %v", err)
	}
	if err := env.manager.RecordError(ctx, h.ID(), "endpoint-3", "timeout"); err != nil {
		t.Fatalf("RecordError failed: %v", err)
	}

	published := env.sink.all()
	if len(published) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(published))
	}
	kinds := map[OutcomeKind]bool{}
	for _, event := range published {
		if event.name != "hunt.outcome" {
			t.Errorf("unexpected event name %q", event.name)
		}
		notice, ok := event.payload.(OutcomeNotice)
		if !ok {
			t.Fatalf("unexpected payload type %T", event.payload)
		}
		if notice.HuntID != h.ID() {
			t.Errorf("unexpected hunt id %q", notice.HuntID)
		}
		kinds[notice.Kind] = true
	}
	if !kinds[OutcomeSuccess] || !kinds[OutcomeBadness] || !kinds[OutcomeError] {
		t.Errorf("expected one notification per outcome kind, got %v", kinds)
	}
}

func TestNoNotificationsWithoutEventName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.runningHunt(t, Config{})

	env.checkIn(t, 1)
	if err := env.manager.RecordSuccess(ctx, h.ID(), "endpoint-1"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if got := env.sink.all(); len(got) != 0 {
		t.Errorf("hunt without notify event must not publish, got %d events", len(got))
	}
}

func TestListenerFailureDoesNotAffectHuntState(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()

	received := make(chan events.Event, 4)
	bus.Subscribe("hunt.*", func(event events.Event) {
		panic("listener exploded")
	})
	bus.Subscribe("hunt.*", func(event events.Event) {
		received <- event
	})

	store := attrstore.NewMemoryStore()
	m := NewManager(Deps{
		Store:      store,
		Rules:      foreman.NewMemoryRuleStore(),
		Gate:       approval.NewGate(store, ""),
		Events:     bus,
		Dispatcher: newRecordingDispatcher(),
	})

	ctx := context.Background()
	h, err := m.CreateHunt(ctx, Config{NotifyEvent: "hunt.outcome"})
	if err != nil {
		t.Fatalf("CreateHunt failed: %v", err)
	}
	if err := m.RecordSuccess(ctx, h.ID(), "endpoint-1"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	select {
	case event := <-received:
		if event.Name != "hunt.outcome" {
			t.Errorf("unexpected event name %q", event.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy listener never received the notification")
	}

	summary, err := m.Summary(ctx, h.ID())
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.Finished != 1 {
		t.Errorf("listener panic must not affect hunt state, got %+v", summary)
	}
}

func TestResourceUsageQueries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.runningHunt(t, Config{})

	samples := []stats.ResourceSample{
		{ClientID: "endpoint-1", TaskID: "T.1", UserCPU: 2, SystemCPU: 1, NetworkBytes: 100},
		{ClientID: "endpoint-1", TaskID: "T.2", UserCPU: 4, SystemCPU: 2, NetworkBytes: 300},
		{ClientID: "endpoint-2", TaskID: "T.3", UserCPU: 1, SystemCPU: 1, NetworkBytes: 50},
	}
	for _, sample := range samples {
		if err := env.manager.RecordResourceUsage(ctx, h.ID(), sample); err != nil {
			t.Fatalf("RecordResourceUsage failed: %v", err)
		}
	}

	perTask, err := env.manager.GetResourceUsage(ctx, h.ID(), "", false)
	if err != nil {
		t.Fatalf("GetResourceUsage failed: %v", err)
	}
	if len(perTask.PerTask) != 2 || len(perTask.PerTask["endpoint-1"]) != 2 {
		t.Errorf("unexpected per-task usage: %+v", perTask)
	}

	grouped, err := env.manager.GetResourceUsage(ctx, h.ID(), "", true)
	if err != nil {
		t.Fatalf("GetResourceUsage grouped failed: %v", err)
	}
	pair := grouped.PerClient["endpoint-1"]
	if pair.UserCPU != 6 || pair.SystemCPU != 3 {
		t.Errorf("unexpected grouped pair: %+v", pair)
	}

	filtered, err := env.manager.GetResourceUsage(ctx, h.ID(), "endpoint-2", false)
	if err != nil {
		t.Fatalf("GetResourceUsage filtered failed: %v", err)
	}
	if len(filtered.PerTask) != 1 || len(filtered.PerTask["endpoint-2"]) != 1 {
		t.Errorf("unexpected filtered usage: %+v", filtered)
	}

	summary := env.summary(t, h.ID())
	if summary.Usage.UserCPU.Num != 3 {
		t.Errorf("expected 3 user CPU samples, got %d", summary.Usage.UserCPU.Num)
	}
	if len(summary.Usage.WorstPerformers) != 3 {
		t.Errorf("expected 3 worst performers, got %d", len(summary.Usage.WorstPerformers))
	}
	if summary.Usage.WorstPerformers[0].TaskID != "T.2" {
		t.Errorf("expected T.2 as heaviest, got %+v", summary.Usage.WorstPerformers[0])
	}
}

func TestHuntLogs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.runningHunt(t, Config{})

	if err := env.manager.LogResult(ctx, h.ID(), "endpoint-1", "17 artifacts collected"); err != nil {
		t.Fatalf("LogResult failed: %v", err)
	}
	if err := env.manager.LogClientError(ctx, h.ID(), "endpoint-2", "permission denied"); err != nil {
		t.Fatalf("LogClientError failed: %v", err)
	}

	entries, err := env.manager.Log(ctx, h.ID())
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "17 artifacts collected" {
		t.Errorf("unexpected result log: %+v", entries)
	}

	errEntries, err := env.manager.ErrorLog(ctx, h.ID())
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(errEntries) != 1 || errEntries[0].ClientID != "endpoint-2" {
		t.Errorf("unexpected error log: %+v", errEntries)
	}
}

func TestConcurrentOutcomeRecording(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.runningHunt(t, Config{})

	const clients = 40
	for i := 1; i <= clients; i++ {
		if n := env.checkIn(t, i); n != 1 {
			t.Fatalf("client %d: expected dispatch, got %d", i, n)
		}
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 1; i <= clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			clientID := fmt.Sprintf("endpoint-%d", n)
			var err error
			if n%4 == 0 {
				err = env.manager.RecordError(ctx, h.ID(), clientID, "boom")
			} else {
				err = env.manager.RecordSuccess(ctx, h.ID(), clientID)
			}
			if err != nil {
				t.Errorf("outcome for %s failed: %v", clientID, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	summary := env.summary(t, h.ID())
	if summary.Errored != clients/4 {
		t.Errorf("expected %d errored, got %d", clients/4, summary.Errored)
	}
	if summary.Finished != clients-clients/4 {
		t.Errorf("expected %d finished, got %d", clients-clients/4, summary.Finished)
	}
	if summary.Outstanding != 0 {
		t.Errorf("expected no outstanding clients, got %d", summary.Outstanding)
	}
}

func TestListSummaries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createHunt(t, Config{Description: "first"}, `endpoint-\d+`)
	env.createHunt(t, Config{Description: "second"}, `server-\d+`)

	summaries, err := env.manager.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].ID >= summaries[1].ID {
		t.Errorf("summaries must be sorted by id: %s, %s", summaries[0].ID, summaries[1].ID)
	}
}
