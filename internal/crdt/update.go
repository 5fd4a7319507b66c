package crdt

import (
	"sort"

	"github.com/materi/collab/internal/codec"
)

const (
	opInsert uint64 = 0
	opDelete uint64 = 1
)

// Update wire format: uvarint op count, then each op as a length-prefixed
// blob so decoders can skip op kinds they do not understand. Blob layout:
// client, seq, kind, then kind-specific fields, all varint/length-prefixed.

func encodeOp(o *op) []byte {
	if o.raw != nil {
		return o.raw
	}
	e := codec.NewEncoder()
	e.WriteUvarint(o.id.Client)
	e.WriteUvarint(o.id.Seq)
	e.WriteUvarint(o.kind)
	switch o.kind {
	case opInsert:
		e.WriteUvarint(uint64(len(o.pos)))
		for _, seg := range o.pos {
			e.WriteUvarint(uint64(seg.digit))
			e.WriteUvarint(seg.site)
		}
		e.WriteString(o.value)
	case opDelete:
		e.WriteUvarint(o.target.Client)
		e.WriteUvarint(o.target.Seq)
	}
	return e.Bytes()
}

func decodeOp(blob []byte) (*op, error) {
	d := codec.NewDecoder(blob)
	client, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	seq, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	kind, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	o := &op{id: ID{Client: client, Seq: seq}, kind: kind}
	switch kind {
	case opInsert:
		n, err := d.ReadUvarint()
		if err != nil || n > uint64(d.Remaining()) {
			return nil, codec.ErrDecode
		}
		o.pos = make(Position, n)
		for i := range o.pos {
			digit, err := d.ReadUvarint()
			if err != nil || digit > maxDigit {
				return nil, codec.ErrDecode
			}
			site, err := d.ReadUvarint()
			if err != nil {
				return nil, err
			}
			o.pos[i] = segment{digit: uint32(digit), site: site}
		}
		o.value, err = d.ReadString()
		if err != nil {
			return nil, err
		}
	case opDelete:
		tc, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		ts, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		o.target = ID{Client: tc, Seq: ts}
	default:
		// Unknown op kind: keep the blob verbatim so encodes carry it
		// forward to replicas that do understand it.
		o.raw = append([]byte(nil), blob...)
	}
	return o, nil
}

func encodeOps(ops []*op) []byte {
	e := codec.NewEncoder()
	e.WriteUvarint(uint64(len(ops)))
	for _, o := range ops {
		e.WriteBytes(encodeOp(o))
	}
	return e.Bytes()
}

func decodeOps(update []byte) ([]*op, error) {
	d := codec.NewDecoder(update)
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	var ops []*op
	for i := uint64(0); i < n; i++ {
		blob, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		o, err := decodeOp(blob)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, nil
}

// EncodeStateVector serializes a state vector with clients in ascending
// order so equal vectors encode identically.
func EncodeStateVector(sv StateVector) []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	e := codec.NewEncoder()
	e.WriteUvarint(uint64(len(clients)))
	for _, client := range clients {
		e.WriteUvarint(client)
		e.WriteUvarint(sv[client])
	}
	return e.Bytes()
}

func DecodeStateVector(data []byte) (StateVector, error) {
	d := codec.NewDecoder(data)
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		client, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}

// MergeUpdates coalesces several update deltas into one, dropping
// duplicate ops. Malformed inputs are skipped rather than failing the
// whole merge.
func MergeUpdates(updates [][]byte) []byte {
	seen := make(map[ID]bool)
	byClient := make(map[uint64][]*op)
	for _, update := range updates {
		ops, err := decodeOps(update)
		if err != nil {
			continue
		}
		for _, o := range ops {
			if seen[o.id] {
				continue
			}
			seen[o.id] = true
			byClient[o.id.Client] = append(byClient[o.id.Client], o)
		}
	}

	clients := make([]uint64, 0, len(byClient))
	for client := range byClient {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var merged []*op
	for _, client := range clients {
		ops := byClient[client]
		sort.Slice(ops, func(i, j int) bool { return ops[i].id.Seq < ops[j].id.Seq })
		merged = append(merged, ops...)
	}
	return encodeOps(merged)
}
