package session

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"go.uber.org/zap"
)

func newTestStore() *Store {
	return NewStore(time.Hour, NewState, zap.NewNop())
}

func TestStore_GetCreatesWithDefaults(t *testing.T) {
	store := newTestStore()
	st := store.Get("s1")
	if st.CommandPrefix != DefaultCommandPrefix {
		t.Fatalf("prefix = %q", st.CommandPrefix)
	}
	if !st.LoopDetection.Enabled {
		t.Fatal("loop detection should default on")
	}
	if store.Len() != 1 {
		t.Fatalf("Len = %d", store.Len())
	}
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	store := newTestStore()
	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Update("s1", func(st State) State {
				if st.Reasoning.ThinkingBudget == nil {
					st.Reasoning.ThinkingBudget = entity.IntPtr(0)
				}
				next := *st.Reasoning.ThinkingBudget + 1
				st.Reasoning.ThinkingBudget = &next
				return st
			})
		}()
	}
	wg.Wait()
	if got := *store.Get("s1").Reasoning.ThinkingBudget; got != n {
		t.Fatalf("lost updates: got %d, want %d", got, n)
	}
}

func TestStore_StateValueIsolation(t *testing.T) {
	store := newTestStore()
	st := store.Get("s1")
	st.BackendOverride = "local-change"
	if store.Get("s1").BackendOverride != "" {
		t.Fatal("mutating a returned State leaked into the store")
	}
}

func TestState_WithRouteCopiesMap(t *testing.T) {
	st := NewState()
	st2 := st.WithRoute(entity.FailoverRoute{
		Name:     "fast",
		Policy:   entity.PolicyKeysModels,
		Elements: []entity.RouteElement{{Backend: "a", Model: "m"}},
	})
	if len(st.FailoverRoutes) != 0 {
		t.Fatal("WithRoute mutated the receiver")
	}
	if _, ok := st2.Route("fast"); !ok {
		t.Fatal("route missing on the new value")
	}

	st3 := st2.WithoutRoute("fast")
	if _, ok := st2.Route("fast"); !ok {
		t.Fatal("WithoutRoute mutated the receiver")
	}
	if _, ok := st3.Route("fast"); ok {
		t.Fatal("route still present after removal")
	}
}

func TestStore_Snapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	store := newTestStore()
	store.Update("s1", func(st State) State {
		st.ModelOverride = "openai:gpt-4"
		return st.WithOneOff(entity.RouteElement{Backend: "b", Model: "m"})
	})
	if err := store.SaveSnapshot(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := newTestStore()
	if err := restored.LoadSnapshot(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := restored.Get("s1")
	if st.ModelOverride != "openai:gpt-4" {
		t.Fatalf("model override lost: %+v", st)
	}
	if st.OneOff == nil || st.OneOff.Backend != "b" {
		t.Fatalf("one-off lost: %+v", st.OneOff)
	}
}

func TestStore_LoadSnapshotMissingFile(t *testing.T) {
	store := newTestStore()
	if err := store.LoadSnapshot(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("missing snapshot should not error: %v", err)
	}
}

func TestStore_Remove(t *testing.T) {
	store := newTestStore()
	store.Get("s1")
	store.Remove("s1")
	if store.Len() != 0 {
		t.Fatalf("Len = %d after remove", store.Len())
	}
}
