package registry

import (
	"sync"
	"testing"
)

type nopSink struct{}

func (nopSink) Push([]byte) error { return nil }

func TestRegister_MultiDevice(t *testing.T) {
	r := New()

	c1 := r.Register(1, nopSink{})
	c2 := r.Register(1, nopSink{})

	if c1.ID == c2.ID {
		t.Error("Register() should assign distinct connection ids")
	}
	if got := len(r.ConnectionsOf(1)); got != 2 {
		t.Errorf("ConnectionsOf() = %d connections, want 2", got)
	}
	if !r.IsOnline(1) {
		t.Error("IsOnline() = false, want true")
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	r := New()
	c := r.Register(1, nopSink{})

	r.Unregister(c.ID)
	if r.IsOnline(1) {
		t.Error("IsOnline() = true after unregister, want false")
	}

	// A connection may legitimately close twice (network blip + explicit logout).
	r.Unregister(c.ID)
	r.Unregister("unknown-id")

	if got := len(r.ConnectionsOf(1)); got != 0 {
		t.Errorf("ConnectionsOf() = %d connections, want 0", got)
	}
}

func TestUnregister_KeepsOtherDevices(t *testing.T) {
	r := New()
	c1 := r.Register(1, nopSink{})
	c2 := r.Register(1, nopSink{})

	r.Unregister(c1.ID)

	conns := r.ConnectionsOf(1)
	if len(conns) != 1 || conns[0].ID != c2.ID {
		t.Errorf("ConnectionsOf() = %v, want only second device", conns)
	}
	if !r.IsOnline(1) {
		t.Error("IsOnline() = false while one device remains")
	}
}

func TestTransitions_ZeroOneCrossings(t *testing.T) {
	r := New()

	var mu sync.Mutex
	type transition struct {
		userID uint
		online bool
	}
	var got []transition
	r.OnTransition(func(userID uint, online bool) {
		mu.Lock()
		got = append(got, transition{userID, online})
		mu.Unlock()
	})

	c1 := r.Register(7, nopSink{}) // 0→1: online
	c2 := r.Register(7, nopSink{}) // 1→2: no event
	r.Unregister(c1.ID)            // 2→1: no event
	r.Unregister(c2.ID)            // 1→0: offline

	want := []transition{{7, true}, {7, false}}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRegister_Concurrent(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	numConns := 50
	ids := make(chan string, numConns)

	// Two simultaneous connects for the same user must both survive.
	for i := 0; i < numConns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Register(1, nopSink{}).ID
		}()
	}
	wg.Wait()
	close(ids)

	if got := len(r.ConnectionsOf(1)); got != numConns {
		t.Errorf("ConnectionsOf() = %d, want %d", got, numConns)
	}

	// Concurrent unregistration must not lose entries either.
	for id := range ids {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			r.Unregister(connID)
		}(id)
	}
	wg.Wait()

	if r.IsOnline(1) {
		t.Error("IsOnline() = true after all devices unregistered")
	}
}
