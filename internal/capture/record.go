// Package capture records session traffic to an append-only file of
// length-delimited protobuf records and reads it back.
package capture

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Direction tells which way a record travelled.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
	DirectionEvent
)

// String returns the string representation of Direction.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	case DirectionEvent:
		return "EVENT"
	default:
		return "UNKNOWN"
	}
}

// Record is one captured unit of traffic or one lifecycle event.
type Record struct {
	Time      time.Time
	Direction Direction
	// Peer is the connection ID, remote address or URL involved.
	Peer    string
	Payload []byte
	// Note carries event text for DirectionEvent records.
	Note string
}

const (
	fieldTime      protowire.Number = 1
	fieldDirection protowire.Number = 2
	fieldPeer      protowire.Number = 3
	fieldPayload   protowire.Number = 4
	fieldNote      protowire.Number = 5
)

// Encode encodes the record body in protobuf wire format.
func (r *Record) Encode() []byte {
	var b []byte
	if !r.Time.IsZero() {
		b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Time.UnixNano()))
	}
	if r.Direction != DirectionIn {
		b = protowire.AppendTag(b, fieldDirection, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Direction))
	}
	if r.Peer != "" {
		b = protowire.AppendTag(b, fieldPeer, protowire.BytesType)
		b = protowire.AppendString(b, r.Peer)
	}
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if r.Note != "" {
		b = protowire.AppendTag(b, fieldNote, protowire.BytesType)
		b = protowire.AppendString(b, r.Note)
	}
	return b
}

// Decode decodes a record body produced by Encode. Unknown fields are skipped.
func (r *Record) Decode(b []byte) error {
	*r = Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("failed to decode record: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("failed to decode time: %w", protowire.ParseError(n))
			}
			r.Time = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldDirection && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("failed to decode direction: %w", protowire.ParseError(n))
			}
			r.Direction = Direction(v)
			b = b[n:]
		case num == fieldPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("failed to decode peer: %w", protowire.ParseError(n))
			}
			r.Peer = v
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("failed to decode payload: %w", protowire.ParseError(n))
			}
			r.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldNote && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("failed to decode note: %w", protowire.ParseError(n))
			}
			r.Note = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("failed to skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
