package fanout

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/QwertyMD/chat-app/internal/registry"
)

type staticParts struct {
	ids map[uint][]uint
}

func (s staticParts) ParticipantIDs(chatID uint) ([]uint, error) {
	return s.ids[chatID], nil
}

// captureSink records pushed envelopes in order.
type captureSink struct {
	mu   sync.Mutex
	envs []Envelope
}

func (s *captureSink) Push(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) received() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

type closedSink struct{}

func (closedSink) Push([]byte) error { return errors.New("connection closed") }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBroadcast_ReachesEveryConnection(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, staticParts{ids: map[uint][]uint{1: {10, 20}}})

	// User 10 is online with two devices, user 20 with one.
	a1, a2, b := &captureSink{}, &captureSink{}, &captureSink{}
	reg.Register(10, a1)
	reg.Register(10, a2)
	reg.Register(20, b)

	d.Broadcast(1, NewEnvelope(EventMessageCreated, 1, map[string]interface{}{"id": 1}))

	for _, s := range []*captureSink{a1, a2, b} {
		sink := s
		waitFor(t, func() bool { return len(sink.received()) == 1 })
		if got := sink.received()[0].Type; got != EventMessageCreated {
			t.Errorf("received type = %q, want %q", got, EventMessageCreated)
		}
	}
}

func TestBroadcast_OfflineParticipantGetsNothing(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, staticParts{ids: map[uint][]uint{1: {10, 20}}})

	online := &captureSink{}
	reg.Register(10, online)
	// user 20 offline: no registration at all

	d.Broadcast(1, NewEnvelope(EventMessageCreated, 1, nil))
	waitFor(t, func() bool { return len(online.received()) == 1 })

	if len(reg.ConnectionsOf(20)) != 0 {
		t.Error("offline user should have no connections")
	}
}

func TestToUser_OnlyActorDevices(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, staticParts{ids: map[uint][]uint{1: {10, 20}}})

	actor, other := &captureSink{}, &captureSink{}
	reg.Register(10, actor)
	reg.Register(20, other)

	d.ToUser(1, 10, NewEnvelope(EventMessageDeletedSelf, 1, nil))
	waitFor(t, func() bool { return len(actor.received()) == 1 })

	if got := len(other.received()); got != 0 {
		t.Errorf("other participant received %d self-delete events, want 0", got)
	}
}

func TestBroadcast_PerChatOrderPreserved(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, staticParts{ids: map[uint][]uint{1: {10}}})

	sink := &captureSink{}
	reg.Register(10, sink)

	const n = 50
	for i := 0; i < n; i++ {
		d.Broadcast(1, NewEnvelope(EventMessageCreated, 1, float64(i)))
	}

	waitFor(t, func() bool { return len(sink.received()) == n })
	for i, env := range sink.received() {
		if env.Payload.(float64) != float64(i) {
			t.Fatalf("event %d carried payload %v, out of commit order", i, env.Payload)
		}
	}
}

func TestBroadcast_ClosedConnectionSwallowed(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, staticParts{ids: map[uint][]uint{1: {10, 20}}})

	reg.Register(10, closedSink{})
	healthy := &captureSink{}
	reg.Register(20, healthy)

	// A failing push must not affect delivery to the remaining connections.
	d.Broadcast(1, NewEnvelope(EventMessageCreated, 1, nil))
	waitFor(t, func() bool { return len(healthy.received()) == 1 })
}

func TestBroadcast_IndependentChats(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, staticParts{ids: map[uint][]uint{1: {10}, 2: {20}}})

	s1, s2 := &captureSink{}, &captureSink{}
	reg.Register(10, s1)
	reg.Register(20, s2)

	d.Broadcast(1, NewEnvelope(EventMessageCreated, 1, nil))
	d.Broadcast(2, NewEnvelope(EventMessageCreated, 2, nil))

	waitFor(t, func() bool { return len(s1.received()) == 1 && len(s2.received()) == 1 })
	if s1.received()[0].ChatID != 1 || s2.received()[0].ChatID != 2 {
		t.Error("events leaked across chats")
	}
}
