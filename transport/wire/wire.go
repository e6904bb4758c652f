// Package wire implements the wire format for the four SWIM protocol
// messages: a length-prefixed binary encoding built on internal/binario,
// chosen over a protobuf schema because the encrypted envelope this wraps
// is specified directly over raw bytes (see keyring.Ring), leaving no
// generated-code boundary to target.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/maxpoletaev/swimcore/internal/binario"
)

// Tag identifies the kind of a Message.
type Tag uint8

const (
	TagPing    Tag = 1
	TagAck     Tag = 2
	TagPingReq Tag = 3
	TagNack    Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagPing:
		return "PING"
	case TagAck:
		return "ACK"
	case TagPingReq:
		return "PING_REQ"
	case TagNack:
		return "NACK"
	default:
		return "UNKNOWN"
	}
}

// EventKind mirrors membership.EventKind on the wire. Kept as a distinct
// type so the wire format does not import the membership package — the
// transport layer is responsible for the membership.Event <->
// wire.PiggybackEvent conversion.
type EventKind uint8

const (
	EventJoined        EventKind = 1
	EventStatusChanged EventKind = 2
	EventEvicted       EventKind = 3
	EventRefuted       EventKind = 4
)

// MaxPiggyback is the hard cap on piggybacked events per datagram. Encode
// silently truncates to this many (oldest-first) rather than growing the
// datagram past typical MTU.
const MaxPiggyback = 32

// PiggybackEvent is one gossiped membership transition attached to a
// probe/ack/ping-req datagram.
type PiggybackEvent struct {
	Kind        EventKind
	Member      string
	OldStatus   uint8
	NewStatus   uint8
	Incarnation uint64
}

// Message is the decoded form of one SWIM protocol datagram.
type Message struct {
	Tag Tag
	Seq uint32

	// Set on PING: the prober's belief about the target's incarnation.
	TargetIncarnation uint64

	// Set on ACK: the responder's own incarnation.
	Inc uint64

	// Set on PING_REQ: the member the proxy should probe on the
	// requester's behalf. The proxy reports the outcome back to whoever
	// sent the PING_REQ, identified by its UDP source address rather than
	// a wire field.
	Target string

	Piggyback []PiggybackEvent
}

var (
	ErrUnknownTag = errors.New("wire: unknown message tag")
	ErrMalformed  = errors.New("wire: malformed message")
	byteOrder     = binary.BigEndian
)

// Encode serializes msg into its wire representation.
func Encode(msg *Message) ([]byte, error) {
	var buf bytes.Buffer

	w := binario.NewWriter(&buf, byteOrder)

	if err := w.WriteUint8(uint8(msg.Tag)); err != nil {
		return nil, fmt.Errorf("wire: write tag: %w", err)
	}

	if err := w.WriteUint32(msg.Seq); err != nil {
		return nil, fmt.Errorf("wire: write seq: %w", err)
	}

	switch msg.Tag {
	case TagPing:
		if err := w.WriteUint64(msg.TargetIncarnation); err != nil {
			return nil, fmt.Errorf("wire: write target_inc: %w", err)
		}
	case TagAck:
		if err := w.WriteUint64(msg.Inc); err != nil {
			return nil, fmt.Errorf("wire: write inc: %w", err)
		}
	case TagPingReq:
		if err := w.WriteString(msg.Target); err != nil {
			return nil, fmt.Errorf("wire: write target: %w", err)
		}
	case TagNack:
		// seq only, nothing else to write.
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, msg.Tag)
	}

	if msg.Tag != TagNack {
		if err := encodePiggyback(w, msg.Piggyback); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func encodePiggyback(w *binario.Writer, events []PiggybackEvent) error {
	if len(events) > MaxPiggyback {
		events = events[len(events)-MaxPiggyback:]
	}

	if err := w.WriteUint16(uint16(len(events))); err != nil {
		return fmt.Errorf("wire: write piggyback count: %w", err)
	}

	for _, ev := range events {
		if err := w.WriteUint8(uint8(ev.Kind)); err != nil {
			return fmt.Errorf("wire: write event kind: %w", err)
		}

		if err := w.WriteString(ev.Member); err != nil {
			return fmt.Errorf("wire: write event member: %w", err)
		}

		if err := w.WriteUint8(ev.OldStatus); err != nil {
			return fmt.Errorf("wire: write event old_status: %w", err)
		}

		if err := w.WriteUint8(ev.NewStatus); err != nil {
			return fmt.Errorf("wire: write event new_status: %w", err)
		}

		if err := w.WriteUint64(ev.Incarnation); err != nil {
			return fmt.Errorf("wire: write event incarnation: %w", err)
		}
	}

	return nil
}

// Decode parses a Message out of raw. A truncated or corrupt input returns
// ErrMalformed (never a panic) so the caller (transport) can drop it
// silently rather than let a malformed datagram take down the read loop.
func Decode(raw []byte) (*Message, error) {
	r := binario.NewReader(bytes.NewReader(raw), byteOrder)

	tagByte, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := &Message{Tag: Tag(tagByte)}

	msg.Seq, err = r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Tag {
	case TagPing:
		msg.TargetIncarnation, err = r.ReadUint64()
	case TagAck:
		msg.Inc, err = r.ReadUint64()
	case TagPingReq:
		msg.Target, err = r.ReadString()
	case TagNack:
		// nothing else to read.
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, msg.Tag)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if msg.Tag != TagNack {
		msg.Piggyback, err = decodePiggyback(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	return msg, nil
}

func decodePiggyback(r *binario.Reader) ([]PiggybackEvent, error) {
	count, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}

	events := make([]PiggybackEvent, count)

	for i := range events {
		kind, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}

		member, err := r.ReadString()
		if err != nil {
			return nil, err
		}

		oldStatus, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}

		newStatus, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}

		inc, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}

		events[i] = PiggybackEvent{
			Kind:        EventKind(kind),
			Member:      member,
			OldStatus:   oldStatus,
			NewStatus:   newStatus,
			Incarnation: inc,
		}
	}

	return events, nil
}
