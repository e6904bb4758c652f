package transport

import (
	"github.com/maxpoletaev/swimcore/membership"
	"github.com/maxpoletaev/swimcore/transport/wire"
)

func encodeEventKind(k membership.EventKind) wire.EventKind {
	switch k {
	case membership.Joined:
		return wire.EventJoined
	case membership.StatusChanged:
		return wire.EventStatusChanged
	case membership.Evicted:
		return wire.EventEvicted
	case membership.Refuted:
		return wire.EventRefuted
	default:
		return 0
	}
}

func decodeEventKind(k wire.EventKind) membership.EventKind {
	switch k {
	case wire.EventJoined:
		return membership.Joined
	case wire.EventStatusChanged:
		return membership.StatusChanged
	case wire.EventEvicted:
		return membership.Evicted
	case wire.EventRefuted:
		return membership.Refuted
	default:
		return 0
	}
}

func encodePiggyback(events []membership.Event) []wire.PiggybackEvent {
	out := make([]wire.PiggybackEvent, len(events))

	for i, ev := range events {
		out[i] = wire.PiggybackEvent{
			Kind:        encodeEventKind(ev.Kind),
			Member:      string(ev.Member),
			OldStatus:   uint8(ev.OldStatus),
			NewStatus:   uint8(ev.NewStatus),
			Incarnation: ev.Incarnation,
		}
	}

	return out
}

func decodePiggyback(events []wire.PiggybackEvent) []membership.Event {
	out := make([]membership.Event, len(events))

	for i, ev := range events {
		out[i] = membership.Event{
			Kind:        decodeEventKind(ev.Kind),
			Member:      membership.ID(ev.Member),
			OldStatus:   membership.Status(ev.OldStatus),
			NewStatus:   membership.Status(ev.NewStatus),
			Incarnation: ev.Incarnation,
		}
	}

	return out
}
