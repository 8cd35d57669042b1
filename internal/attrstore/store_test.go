package attrstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// storeUnderTest runs the same contract checks against both implementations.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore()
	case "sqlite":
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "attr-test.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore returned error: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	default:
		t.Fatalf("unknown store %q", name)
		return nil
	}
}

func TestStoreContract(t *testing.T) {
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := storeUnderTest(t, name)

			existed, err := store.Open(ctx, "H.1")
			if err != nil {
				t.Fatalf("Open returned error: %v", err)
			}
			if existed {
				t.Fatal("expected new object on first Open")
			}
			existed, err = store.Open(ctx, "H.1")
			if err != nil {
				t.Fatalf("second Open returned error: %v", err)
			}
			if !existed {
				t.Fatal("expected existing object on second Open")
			}

			// Append keeps full history in order
			for _, v := range []string{"C.1", "C.2", "C.1"} {
				if err := store.Append(ctx, "H.1", "started", v); err != nil {
					t.Fatalf("Append returned error: %v", err)
				}
			}
			history, err := store.Get(ctx, "H.1", "started")
			if err != nil {
				t.Fatalf("Get returned error: %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("expected 3 history entries, got %d", len(history))
			}
			if history[0].Data != "C.1" || history[1].Data != "C.2" || history[2].Data != "C.1" {
				t.Fatalf("history out of order: %+v", history)
			}

			// Set replaces history
			if err := store.Set(ctx, "H.1", "state", "RUNNING"); err != nil {
				t.Fatalf("Set returned error: %v", err)
			}
			if err := store.Set(ctx, "H.1", "state", "PAUSED"); err != nil {
				t.Fatalf("second Set returned error: %v", err)
			}
			state, err := store.Get(ctx, "H.1", "state")
			if err != nil {
				t.Fatalf("Get state returned error: %v", err)
			}
			if len(state) != 1 || state[0].Data != "PAUSED" {
				t.Fatalf("expected single PAUSED value, got %+v", state)
			}

			// Missing attribute reads as empty history
			missing, err := store.Get(ctx, "H.1", "no_such_attribute")
			if err != nil {
				t.Fatalf("Get missing attribute returned error: %v", err)
			}
			if len(missing) != 0 {
				t.Fatalf("expected empty history, got %+v", missing)
			}
		})
	}
}

func TestReadSetDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, v := range []string{"C.1", "C.2", "C.1", "C.3", "C.2"} {
		if err := store.Append(ctx, "H.1", "finished", v); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	set, err := ReadSet(ctx, store, "H.1", "finished")
	if err != nil {
		t.Fatalf("ReadSet returned error: %v", err)
	}
	if len(set) != 3 {
		t.Fatalf("expected 3 distinct members, got %d", len(set))
	}
	for _, want := range []string{"C.1", "C.2", "C.3"} {
		if _, ok := set[want]; !ok {
			t.Fatalf("set missing %s", want)
		}
	}
}

func TestReadLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	latest, err := ReadLatest(ctx, store, "H.1", "state")
	if err != nil {
		t.Fatalf("ReadLatest returned error: %v", err)
	}
	if latest != "" {
		t.Fatalf("expected empty latest, got %q", latest)
	}

	store.Append(ctx, "H.1", "state", "RUNNING")
	store.Append(ctx, "H.1", "state", "STOPPED")

	latest, err = ReadLatest(ctx, store, "H.1", "state")
	if err != nil {
		t.Fatalf("ReadLatest returned error: %v", err)
	}
	if latest != "STOPPED" {
		t.Fatalf("expected STOPPED, got %q", latest)
	}
}

func TestSQLiteTryAssignAtMostOnce(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "assign-test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore returned error: %v", err)
	}
	defer store.Close()

	won, err := store.TryAssign(ctx, "H.1", "C.1")
	if err != nil {
		t.Fatalf("TryAssign returned error: %v", err)
	}
	if !won {
		t.Fatal("expected first TryAssign to win")
	}

	won, err = store.TryAssign(ctx, "H.1", "C.1")
	if err != nil {
		t.Fatalf("second TryAssign returned error: %v", err)
	}
	if won {
		t.Fatal("expected duplicate TryAssign to lose")
	}

	// Same client under a different hunt is independent
	won, err = store.TryAssign(ctx, "H.2", "C.1")
	if err != nil {
		t.Fatalf("TryAssign under second hunt returned error: %v", err)
	}
	if !won {
		t.Fatal("expected assignment under a different hunt to win")
	}

	clients, err := store.Assignments(ctx, "H.1")
	if err != nil {
		t.Fatalf("Assignments returned error: %v", err)
	}
	if len(clients) != 1 || clients[0] != "C.1" {
		t.Fatalf("unexpected assignments: %v", clients)
	}
}

func TestSQLiteUnassignReopensEligibility(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "assign-test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore returned error: %v", err)
	}
	defer store.Close()

	if _, err := store.TryAssign(ctx, "H.1", "C.1"); err != nil {
		t.Fatalf("TryAssign returned error: %v", err)
	}
	if err := store.Unassign(ctx, "H.1", "C.1"); err != nil {
		t.Fatalf("Unassign returned error: %v", err)
	}

	won, err := store.TryAssign(ctx, "H.1", "C.1")
	if err != nil {
		t.Fatalf("TryAssign after Unassign returned error: %v", err)
	}
	if !won {
		t.Fatal("expected client to be assignable again after Unassign")
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "attr-test.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore returned error: %v", err)
	}
	store.Append(ctx, "H.1", "started", "C.1")
	store.TryAssign(ctx, "H.1", "C.1")
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	defer reopened.Close()

	history, err := reopened.Get(ctx, "H.1", "started")
	if err != nil {
		t.Fatalf("Get after reopen returned error: %v", err)
	}
	if len(history) != 1 || history[0].Data != "C.1" {
		t.Fatalf("history lost across reopen: %+v", history)
	}

	won, err := reopened.TryAssign(ctx, "H.1", "C.1")
	if err != nil {
		t.Fatalf("TryAssign after reopen returned error: %v", err)
	}
	if won {
		t.Fatal("expected assignment to persist across reopen")
	}
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 50; i++ {
				if err := store.Append(ctx, "H.1", "started", "C.1"); err != nil {
					t.Errorf("Append returned error: %v", err)
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	history, err := store.Get(ctx, "H.1", "started")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(history) != 400 {
		t.Fatalf("expected 400 appends, got %d", len(history))
	}

	set, err := ReadSet(ctx, store, "H.1", "started")
	if err != nil {
		t.Fatalf("ReadSet returned error: %v", err)
	}
	if len(set) != 1 {
		t.Fatalf("expected singleton set, got %d members", len(set))
	}
}
