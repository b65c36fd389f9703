package tether

import (
	"context"
	"encoding/json"
	"fmt"
)

// Route names a delivery path the classifier can pick.
type Route string

const (
	// RouteRealtime delivers over the live channel.
	RouteRealtime Route = "realtime"
	// RouteQueue captures the message durably for later delivery.
	RouteQueue Route = "queue"
	// RouteSync reconciles through the replication path.
	RouteSync Route = "sync"
	// RouteDrop discards, per Class A semantics on a degraded channel.
	RouteDrop Route = "drop"
)

// RouteFor maps an interaction class and the channel's availability onto a
// delivery path. Class D never yields the realtime route regardless of
// channel state.
func RouteFor(class InteractionClass, channelAvailable bool) (Route, error) {
	if !class.Valid() {
		return "", fmt.Errorf("unknown interaction class %q", class)
	}

	switch class {
	case ClassA:
		if channelAvailable {
			return RouteRealtime, nil
		}
		return RouteDrop, nil
	case ClassB:
		if channelAvailable {
			return RouteRealtime, nil
		}
		return RouteQueue, nil
	case ClassC:
		if channelAvailable {
			return RouteRealtime, nil
		}
		return RouteSync, nil
	default: // ClassD
		return RouteSync, nil
	}
}

// Classifier dispatches outbound interactions by class. It holds no
// per-message state; routing is a pure function of the class and the
// channel's current availability.
type Classifier struct {
	channel *RealtimeChannel
	engine  *SyncEngine
}

// NewClassifier wires the classifier over the realtime channel and the
// sync engine.
func NewClassifier(channel *RealtimeChannel, engine *SyncEngine) *Classifier {
	return &Classifier{channel: channel, engine: engine}
}

// Dispatch routes one envelope by its interaction class.
//
// Class A sends best-effort and drops silently when the channel is down.
// Class B sends when live, otherwise queues durably for the reconnect
// flush. Class C sends when live, otherwise requests a sync pass so the
// state reconciles through replication. Class D is refused here: critical
// transactional changes go through the repository and the mutation log,
// never the realtime channel.
func (c *Classifier) Dispatch(ctx context.Context, env *Envelope) error {
	if env.Class == ClassD {
		return ErrClassDNotAllowed
	}

	available := c.channel != nil && c.channel.Connected()
	route, err := RouteFor(env.Class, available)
	if err != nil {
		return err
	}

	switch route {
	case RouteRealtime, RouteQueue:
		if c.channel == nil {
			// No realtime path configured; reconcile through replication.
			c.engine.NudgeSync()
			return nil
		}
		// The channel itself queues Class B sends while disconnected.
		err := c.channel.Send(env)
		if err == ErrChannelUnavailable && env.Class == ClassA {
			return nil
		}
		if err == ErrChannelUnavailable && env.Class == ClassC {
			c.engine.NudgeSync()
			return nil
		}
		return err
	case RouteDrop:
		return nil
	case RouteSync:
		c.engine.NudgeSync()
		return nil
	}
	return nil
}

// Publish is the high-level send: it wraps a payload into a message
// envelope and dispatches it by class.
func (c *Classifier) Publish(ctx context.Context, class InteractionClass, roomID, recipientID string, payload json.RawMessage) error {
	return c.Dispatch(ctx, &Envelope{
		Type:        MsgPublish,
		Class:       class,
		RoomID:      roomID,
		RecipientID: recipientID,
		Payload:     payload,
	})
}
