package tether

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRouteFor(t *testing.T) {
	tests := []struct {
		name      string
		class     InteractionClass
		available bool
		want      Route
	}{
		{"A live", ClassA, true, RouteRealtime},
		{"A down", ClassA, false, RouteDrop},
		{"B live", ClassB, true, RouteRealtime},
		{"B down", ClassB, false, RouteQueue},
		{"C live", ClassC, true, RouteRealtime},
		{"C down", ClassC, false, RouteSync},
		{"D live", ClassD, true, RouteSync},
		{"D down", ClassD, false, RouteSync},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RouteFor(tt.class, tt.available)
			if err != nil {
				t.Fatalf("RouteFor() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RouteFor() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := RouteFor(InteractionClass("Z"), true); err == nil {
		t.Error("expected error for unknown class")
	}
}

func TestParseInteractionClass(t *testing.T) {
	if c, err := ParseInteractionClass("B"); err != nil || c != ClassB {
		t.Errorf("ParseInteractionClass(B) = %q, %v", c, err)
	}
	if _, err := ParseInteractionClass("presence"); err == nil {
		t.Error("expected error for unknown class string")
	}
}

func TestDispatchClassDRefused(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	cls := NewClassifier(nil, h.engine)

	err := cls.Dispatch(context.Background(), &Envelope{Type: MsgPublish, Class: ClassD})
	if !errors.Is(err, ErrClassDNotAllowed) {
		t.Errorf("err = %v, want ErrClassDNotAllowed", err)
	}
	if len(h.engine.trigger) != 0 {
		t.Error("refused dispatch must not request a sync pass")
	}
}

func TestDispatchClassCFallsBackToSync(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	channel := NewRealtimeChannel(testChannelConfig(), "acme", "client-1", "tok", nil, nil)
	cls := NewClassifier(channel, h.engine)

	err := cls.Publish(context.Background(), ClassC, "", "bob", json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if len(h.engine.trigger) != 1 {
		t.Error("disconnected class C dispatch should request a sync pass")
	}
}

func TestDispatchClassBQueuesOnChannel(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	channel := NewRealtimeChannel(testChannelConfig(), "acme", "client-1", "tok", nil, nil)
	cls := NewClassifier(channel, h.engine)

	err := cls.Publish(context.Background(), ClassB, "", "bob", json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if depth := channel.Stats().OutboxDepth; depth != 1 {
		t.Errorf("OutboxDepth = %d, class B must queue while down", depth)
	}
	if len(h.engine.trigger) != 0 {
		t.Error("queued class B dispatch must not touch the sync path")
	}
}

func TestDispatchClassADropsSilently(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	channel := NewRealtimeChannel(testChannelConfig(), "acme", "client-1", "tok", nil, nil)
	cls := NewClassifier(channel, h.engine)

	err := cls.Publish(context.Background(), ClassA, "", "", json.RawMessage(`{"cursor":[0,0]}`))
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if depth := channel.Stats().OutboxDepth; depth != 0 {
		t.Errorf("OutboxDepth = %d, class A never queues", depth)
	}
	if len(h.engine.trigger) != 0 {
		t.Error("dropped class A dispatch must not request a sync pass")
	}
}

func TestDispatchClassBWithoutChannel(t *testing.T) {
	h := newSyncHarness(t, ResolveLastWriteWins)
	cls := NewClassifier(nil, h.engine)

	err := cls.Publish(context.Background(), ClassB, "", "bob", json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if len(h.engine.trigger) != 1 {
		t.Error("class B without a realtime path should reconcile through sync")
	}
}
