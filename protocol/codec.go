package protocol

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is wrapped by every decoding failure
var ErrMalformed = errors.New("malformed message")

// headerLen is the envelope prefix: one type byte followed by one TTL byte
const headerLen = 2

type Envelope struct {
	TTL uint8
	Msg Message
}

// Marshal encodes msg into an envelope. Bodies use the protobuf wire format.
func Marshal(ttl uint8, msg Message) []byte {
	b := make([]byte, headerLen, 64)
	b[0] = byte(msg.Type())
	b[1] = ttl
	return msg.appendBody(b)
}

func Unmarshal(b []byte) (Envelope, error) {
	if len(b) < headerLen {
		return Envelope{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(b))
	}
	var msg Message
	typ := MessageType(b[0])
	switch typ {
	case TypeRouteRequest:
		msg = &RouteRequest{}
	case TypeRouteReply:
		msg = &RouteReply{}
	case TypeRouteError:
		msg = &RouteError{}
	case TypeRouteReplyAck:
		msg = &RouteReplyAck{}
	case TypeFeedback:
		msg = &Feedback{}
	case TypeData:
		msg = &Data{}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, b[0])
	}
	d := &decoder{b: b[headerLen:]}
	msg.decodeBody(d)
	if d.err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %w", ErrMalformed, typ, d.err)
	}
	if data, ok := msg.(*Data); ok {
		data.TTL = b[1]
	}
	return Envelope{TTL: b[1], Msg: msg}, nil
}

func (m *RouteRequest) appendBody(b []byte) []byte {
	b = appendBool(b, 1, m.Join)
	b = appendBool(b, 2, m.Repair)
	b = appendBool(b, 3, m.Gratuitous)
	b = appendBool(b, 4, m.DestinationOnly)
	b = appendBool(b, 5, m.UnknownSeqno)
	b = appendUint(b, 6, uint64(m.HopCount))
	b = appendUint(b, 7, uint64(m.Id))
	b = appendAddr(b, 8, m.Dst)
	b = appendUint(b, 9, uint64(m.DstSeqno))
	b = appendAddr(b, 10, m.Origin)
	b = appendUint(b, 11, uint64(m.OriginSeqno))
	return b
}

func (m *RouteRequest) decodeBody(d *decoder) {
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		switch num {
		case 1:
			m.Join = d.boolean(typ)
		case 2:
			m.Repair = d.boolean(typ)
		case 3:
			m.Gratuitous = d.boolean(typ)
		case 4:
			m.DestinationOnly = d.boolean(typ)
		case 5:
			m.UnknownSeqno = d.boolean(typ)
		case 6:
			m.HopCount = d.u8(typ)
		case 7:
			m.Id = d.u32(typ)
		case 8:
			m.Dst = d.addr(typ)
		case 9:
			m.DstSeqno = d.u32(typ)
		case 10:
			m.Origin = d.addr(typ)
		case 11:
			m.OriginSeqno = d.u32(typ)
		default:
			d.skip(num, typ)
		}
	}
	d.require(m.Dst.IsValid(), "dst")
	d.require(m.Origin.IsValid(), "origin")
}

func (m *RouteReply) appendBody(b []byte) []byte {
	b = appendBool(b, 1, m.Repair)
	b = appendBool(b, 2, m.AckRequired)
	b = appendUint(b, 3, uint64(m.HopCount))
	b = appendAddr(b, 4, m.Dst)
	b = appendUint(b, 5, uint64(m.DstSeqno))
	b = appendAddr(b, 6, m.Origin)
	b = appendDuration(b, 7, m.Lifetime)
	b = appendTime(b, 8, m.SentAt)
	return b
}

func (m *RouteReply) decodeBody(d *decoder) {
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		switch num {
		case 1:
			m.Repair = d.boolean(typ)
		case 2:
			m.AckRequired = d.boolean(typ)
		case 3:
			m.HopCount = d.u8(typ)
		case 4:
			m.Dst = d.addr(typ)
		case 5:
			m.DstSeqno = d.u32(typ)
		case 6:
			m.Origin = d.addr(typ)
		case 7:
			m.Lifetime = d.duration(typ)
		case 8:
			m.SentAt = d.time(typ)
		default:
			d.skip(num, typ)
		}
	}
	d.require(m.Dst.IsValid(), "dst")
	d.require(m.Origin.IsValid(), "origin")
}

func (m *RouteError) appendBody(b []byte) []byte {
	b = appendBool(b, 1, m.NoDelete)
	for _, u := range m.Unreachable {
		var sub []byte
		sub = appendAddr(sub, 1, u.Addr)
		sub = appendUint(sub, 2, uint64(u.Seqno))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

func (m *RouteError) decodeBody(d *decoder) {
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		switch num {
		case 1:
			m.NoDelete = d.boolean(typ)
		case 2:
			sub := d.sub(typ)
			var u UnreachableDst
			for n, t, ok := sub.next(); ok; n, t, ok = sub.next() {
				switch n {
				case 1:
					u.Addr = sub.addr(t)
				case 2:
					u.Seqno = sub.u32(t)
				default:
					sub.skip(n, t)
				}
			}
			sub.require(u.Addr.IsValid(), "unreachable address")
			d.absorb(sub)
			m.Unreachable = append(m.Unreachable, u)
		default:
			d.skip(num, typ)
		}
	}
}

func (m *RouteReplyAck) appendBody(b []byte) []byte {
	return b
}

func (m *RouteReplyAck) decodeBody(d *decoder) {
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		d.skip(num, typ)
	}
}

func (m *Feedback) appendBody(b []byte) []byte {
	b = appendUUID(b, 1, m.PacketId)
	b = appendAddr(b, 2, m.Dst)
	b = appendUint(b, 3, uint64(m.Class))
	b = appendDuration(b, 4, m.Travel)
	b = appendDuration(b, 5, m.NextEstimate)
	b = appendDuration(b, 6, m.RealDelay)
	b = appendFloat(b, 7, m.RealLoss)
	b = appendUint(b, 8, uint64(m.Received))
	b = appendBool(b, 9, m.SenderConverged)
	b = appendTime(b, 10, m.SentAt)
	return b
}

func (m *Feedback) decodeBody(d *decoder) {
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		switch num {
		case 1:
			m.PacketId = d.uuid(typ)
		case 2:
			m.Dst = d.addr(typ)
		case 3:
			m.Class = TrafficClass(d.u8(typ))
		case 4:
			m.Travel = d.duration(typ)
		case 5:
			m.NextEstimate = d.duration(typ)
		case 6:
			m.RealDelay = d.duration(typ)
		case 7:
			m.RealLoss = d.float(typ)
		case 8:
			m.Received = d.u32(typ)
		case 9:
			m.SenderConverged = d.boolean(typ)
		case 10:
			m.SentAt = d.time(typ)
		default:
			d.skip(num, typ)
		}
	}
	d.require(m.Dst.IsValid(), "dst")
}

func (m *Data) appendBody(b []byte) []byte {
	b = appendUUID(b, 1, m.Id)
	b = appendAddr(b, 2, m.Src)
	b = appendAddr(b, 3, m.Dst)
	b = appendUint(b, 4, uint64(m.Class))
	b = appendBool(b, 5, m.Learning)
	if m.Q != nil {
		var sub []byte
		sub = appendTime(sub, 1, m.Q.SentAt)
		sub = appendAddr(sub, 2, m.Q.PrevHop)
		sub = appendBool(sub, 3, m.Q.Maint)
		sub = appendBool(sub, 4, m.Q.UsableDelay)
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func (m *Data) decodeBody(d *decoder) {
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		switch num {
		case 1:
			m.Id = d.uuid(typ)
		case 2:
			m.Src = d.addr(typ)
		case 3:
			m.Dst = d.addr(typ)
		case 4:
			m.Class = TrafficClass(d.u8(typ))
		case 5:
			m.Learning = d.boolean(typ)
		case 6:
			sub := d.sub(typ)
			q := &QInfo{}
			for n, t, ok := sub.next(); ok; n, t, ok = sub.next() {
				switch n {
				case 1:
					q.SentAt = sub.time(t)
				case 2:
					q.PrevHop = sub.addr(t)
				case 3:
					q.Maint = sub.boolean(t)
				case 4:
					q.UsableDelay = sub.boolean(t)
				default:
					sub.skip(n, t)
				}
			}
			d.absorb(sub)
			m.Q = q
		case 7:
			m.Payload = append([]byte(nil), d.bytes(typ)...)
		default:
			d.skip(num, typ)
		}
	}
	d.require(m.Src.IsValid(), "src")
	d.require(m.Dst.IsValid(), "dst")
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendAddr(b []byte, num protowire.Number, a netip.Addr) []byte {
	if !a.IsValid() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, a.AsSlice())
}

func appendUUID(b []byte, num protowire.Number, id uuid.UUID) []byte {
	if id == uuid.Nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, id[:])
}

func appendDuration(b []byte, num protowire.Number, v time.Duration) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// decoder walks a protobuf wire body. The first error sticks and stops iteration.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
	d.b = nil
}

func (d *decoder) next() (protowire.Number, protowire.Type, bool) {
	if d.err != nil || len(d.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return 0, 0, false
	}
	d.b = d.b[n:]
	return num, typ, true
}

func (d *decoder) expect(got, want protowire.Type) bool {
	if got != want {
		d.fail(fmt.Errorf("unexpected wire type %d", got))
		return false
	}
	return true
}

func (d *decoder) varint(typ protowire.Type) uint64 {
	if !d.expect(typ, protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) fixed64(typ protowire.Type) uint64 {
	if !d.expect(typ, protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(d.b)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bytes(typ protowire.Type) []byte {
	if !d.expect(typ, protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return nil
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return
	}
	d.b = d.b[n:]
}

func (d *decoder) sub(typ protowire.Type) *decoder {
	b := d.bytes(typ)
	return &decoder{b: b, err: d.err}
}

// absorb takes the error of a nested decoder
func (d *decoder) absorb(sub *decoder) {
	if sub.err != nil {
		d.fail(sub.err)
	}
}

func (d *decoder) require(ok bool, field string) {
	if !ok && d.err == nil {
		d.err = fmt.Errorf("missing %s", field)
	}
}

func (d *decoder) boolean(typ protowire.Type) bool {
	return d.varint(typ) != 0
}

func (d *decoder) u8(typ protowire.Type) uint8 {
	v := d.varint(typ)
	if v > math.MaxUint8 {
		d.fail(fmt.Errorf("value %d overflows uint8", v))
		return 0
	}
	return uint8(v)
}

func (d *decoder) u32(typ protowire.Type) uint32 {
	v := d.varint(typ)
	if v > math.MaxUint32 {
		d.fail(fmt.Errorf("value %d overflows uint32", v))
		return 0
	}
	return uint32(v)
}

func (d *decoder) duration(typ protowire.Type) time.Duration {
	return time.Duration(protowire.DecodeZigZag(d.varint(typ)))
}

func (d *decoder) time(typ protowire.Type) time.Time {
	v := d.varint(typ)
	if d.err != nil {
		return time.Time{}
	}
	return time.Unix(0, protowire.DecodeZigZag(v))
}

func (d *decoder) float(typ protowire.Type) float64 {
	return math.Float64frombits(d.fixed64(typ))
}

func (d *decoder) addr(typ protowire.Type) netip.Addr {
	b := d.bytes(typ)
	if d.err != nil {
		return netip.Addr{}
	}
	a, ok := netip.AddrFromSlice(b)
	if !ok || !a.Is4() {
		d.fail(fmt.Errorf("invalid IPv4 address of %d bytes", len(b)))
		return netip.Addr{}
	}
	return a
}

func (d *decoder) uuid(typ protowire.Type) uuid.UUID {
	b := d.bytes(typ)
	if d.err != nil {
		return uuid.Nil
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		d.fail(err)
		return uuid.Nil
	}
	return id
}
