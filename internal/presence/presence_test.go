package presence

import (
	"errors"
	"testing"

	"github.com/QwertyMD/chat-app/internal/fanout"
)

type staticChats struct {
	ids map[uint][]uint
	err error
}

func (s staticChats) ChatIDsOf(userID uint) ([]uint, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ids[userID], nil
}

type captureBroadcaster struct {
	envs []fanout.Envelope
}

func (b *captureBroadcaster) Broadcast(chatID uint, env fanout.Envelope) {
	b.envs = append(b.envs, env)
}

func TestHandleTransition_Online(t *testing.T) {
	out := &captureBroadcaster{}
	tr := NewTracker(staticChats{ids: map[uint][]uint{7: {1, 2, 3}}}, out)

	tr.HandleTransition(7, true)

	if len(out.envs) != 3 {
		t.Fatalf("broadcast to %d chats, want 3", len(out.envs))
	}
	for _, env := range out.envs {
		if env.Type != fanout.EventPresenceOnline {
			t.Errorf("event type = %q, want %q", env.Type, fanout.EventPresenceOnline)
		}
	}
}

func TestHandleTransition_Offline(t *testing.T) {
	out := &captureBroadcaster{}
	tr := NewTracker(staticChats{ids: map[uint][]uint{7: {1}}}, out)

	tr.HandleTransition(7, false)

	if len(out.envs) != 1 || out.envs[0].Type != fanout.EventPresenceOffline {
		t.Fatalf("events = %v, want single presence.offline", out.envs)
	}
}

func TestHandleTransition_NoChats(t *testing.T) {
	out := &captureBroadcaster{}
	tr := NewTracker(staticChats{}, out)

	tr.HandleTransition(7, true)

	if len(out.envs) != 0 {
		t.Errorf("broadcast %d events for user with no chats, want 0", len(out.envs))
	}
}

func TestHandleTransition_SourceError(t *testing.T) {
	out := &captureBroadcaster{}
	tr := NewTracker(staticChats{err: errors.New("db down")}, out)

	// A failed chat lookup must not panic or broadcast anything.
	tr.HandleTransition(7, true)

	if len(out.envs) != 0 {
		t.Errorf("broadcast %d events despite lookup failure, want 0", len(out.envs))
	}
}
