package crdt

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Origin tags where a change came from, so transports can suppress
// re-broadcast of updates they just applied.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// ID is a globally unique operation identifier: the authoring client plus
// that client's monotonically increasing sequence number.
type ID struct {
	Client uint64
	Seq    uint64
}

// StateVector summarizes "ops seen per client" as the highest contiguous
// sequence number integrated for each client.
type StateVector map[uint64]uint64

// UpdateHandler receives every change to the document as an encoded delta,
// tagged with where it originated.
type UpdateHandler interface {
	HandleUpdate(update []byte, origin Origin)
}

// UpdateHandlerFunc adapts a function to the UpdateHandler interface.
type UpdateHandlerFunc func(update []byte, origin Origin)

func (f UpdateHandlerFunc) HandleUpdate(update []byte, origin Origin) {
	f(update, origin)
}

type op struct {
	id     ID
	kind   uint64
	pos    Position // insert
	value  string   // insert
	target ID       // delete
	raw    []byte   // encoded form, kept verbatim for unknown kinds
}

type atom struct {
	id    ID
	pos   Position
	value string
	dead  bool
}

// stream is one client's op log. watermark is the highest seq with no gaps
// below it; ops beyond a gap are held until the gap fills but still count
// toward encodes.
type stream struct {
	ops       map[uint64]*op
	watermark uint64
}

// Doc is a conflict-free replica of one shared document. Merging is
// structural: ops are immutable, identified by (client, seq), and inserts
// carry dense positions, so applying any set of updates in any order, any
// number of times, converges every replica to the same state.
type Doc struct {
	mu       sync.Mutex
	clientID uint64
	nextSeq  uint64
	streams  map[uint64]*stream
	atoms    []*atom       // sorted by (pos, id)
	deleted  map[ID]bool   // tombstones, including ones for unseen atoms
	handlers []UpdateHandler
}

// NewClientID derives a random 53-bit client identifier.
func NewClientID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8]) >> 11
}

func NewDoc() *Doc {
	return NewDocWithClientID(NewClientID())
}

func NewDocWithClientID(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		streams:  make(map[uint64]*stream),
		deleted:  make(map[ID]bool),
	}
}

func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Subscribe registers a handler invoked synchronously after every change,
// local or merged. The origin parameter tells the handler whether the delta
// needs re-broadcasting.
func (d *Doc) Subscribe(h UpdateHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

func (d *Doc) notify(update []byte, origin Origin) {
	d.mu.Lock()
	handlers := make([]UpdateHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()
	for _, h := range handlers {
		h.HandleUpdate(update, origin)
	}
}

// Text returns the materialized document value.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, a := range d.atoms {
		if !a.dead {
			b.WriteString(a.value)
		}
	}
	return b.String()
}

// Len reports the visible document length in atoms.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.atoms {
		if !a.dead {
			n++
		}
	}
	return n
}

// InsertText inserts text at the given visible index, producing one op per
// rune. The resulting delta is delivered to handlers with OriginLocal.
func (d *Doc) InsertText(index int, text string) {
	if text == "" {
		return
	}
	d.mu.Lock()
	left, right := d.neighbors(index)
	ops := make([]*op, 0, len(text))
	for _, r := range text {
		pos := positionBetween(left, right, d.clientID)
		d.nextSeq++
		o := &op{
			id:    ID{Client: d.clientID, Seq: d.nextSeq},
			kind:  opInsert,
			pos:   pos,
			value: string(r),
		}
		d.integrate(o)
		ops = append(ops, o)
		left = pos
	}
	update := encodeOps(ops)
	d.mu.Unlock()
	d.notify(update, OriginLocal)
}

// DeleteText tombstones count visible atoms starting at the given index.
func (d *Doc) DeleteText(index, count int) {
	d.mu.Lock()
	var ops []*op
	visible := 0
	for _, a := range d.atoms {
		if a.dead {
			continue
		}
		if visible >= index && len(ops) < count {
			d.nextSeq++
			o := &op{
				id:     ID{Client: d.clientID, Seq: d.nextSeq},
				kind:   opDelete,
				target: a.id,
			}
			d.integrate(o)
			ops = append(ops, o)
		}
		visible++
	}
	if len(ops) == 0 {
		d.mu.Unlock()
		return
	}
	update := encodeOps(ops)
	d.mu.Unlock()
	d.notify(update, OriginLocal)
}

// neighbors returns the positions bounding a visible index. Caller holds mu.
func (d *Doc) neighbors(index int) (left, right Position) {
	visible := 0
	for _, a := range d.atoms {
		if a.dead {
			continue
		}
		if visible == index {
			right = a.pos
			return left, right
		}
		left = a.pos
		visible++
	}
	return left, nil
}

// integrate folds one op into the streams and the materialized atom list.
// Returns false when the op was already present. Caller holds mu.
func (d *Doc) integrate(o *op) bool {
	s := d.streams[o.id.Client]
	if s == nil {
		s = &stream{ops: make(map[uint64]*op)}
		d.streams[o.id.Client] = s
	}
	if _, ok := s.ops[o.id.Seq]; ok {
		return false
	}
	s.ops[o.id.Seq] = o
	for s.ops[s.watermark+1] != nil {
		s.watermark++
	}
	if o.id.Client == d.clientID && o.id.Seq > d.nextSeq {
		d.nextSeq = o.id.Seq
	}

	switch o.kind {
	case opInsert:
		a := &atom{id: o.id, pos: o.pos, value: o.value, dead: d.deleted[o.id]}
		i := sort.Search(len(d.atoms), func(i int) bool {
			c := d.atoms[i].pos.Compare(a.pos)
			if c != 0 {
				return c > 0
			}
			return d.atoms[i].id.Client > a.id.Client ||
				(d.atoms[i].id.Client == a.id.Client && d.atoms[i].id.Seq > a.id.Seq)
		})
		d.atoms = append(d.atoms, nil)
		copy(d.atoms[i+1:], d.atoms[i:])
		d.atoms[i] = a
	case opDelete:
		d.deleted[o.target] = true
		for _, a := range d.atoms {
			if a.id == o.target {
				a.dead = true
				break
			}
		}
	default:
		// Authored by a newer replica. Carried in the log, ignored by the
		// materializer.
	}
	return true
}

// ApplyUpdate merges an encoded update delta. Already-known ops are skipped,
// so applying the same delta twice is a no-op. The returned bytes re-encode
// exactly the newly integrated ops (nil when nothing was new); handlers are
// notified with the same delta and the supplied origin.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) ([]byte, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	applied := make([]*op, 0, len(ops))
	for _, o := range ops {
		if d.integrate(o) {
			applied = append(applied, o)
		}
	}
	if len(applied) == 0 {
		d.mu.Unlock()
		return nil, nil
	}
	delta := encodeOps(applied)
	d.mu.Unlock()
	d.notify(delta, origin)
	return delta, nil
}

// StateVector captures how much of each client's stream this replica has.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.streams))
	for client, s := range d.streams {
		if s.watermark > 0 {
			sv[client] = s.watermark
		}
	}
	return sv
}

// DiffUpdate encodes every op the remote state vector does not cover. Ops
// the remote may already hold beyond a gap are resent; idempotent apply
// absorbs them.
func (d *Doc) DiffUpdate(remote StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.opsAbove(remote))
}

// EncodeStateAsUpdate encodes the full op log, usable to initialize a fresh
// replica. Converged replicas produce bit-identical encodings.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.opsAbove(nil))
}

// opsAbove lists ops not covered by remote, in deterministic order: clients
// ascending, seqs ascending. Caller holds mu.
func (d *Doc) opsAbove(remote StateVector) []*op {
	clients := make([]uint64, 0, len(d.streams))
	for client := range d.streams {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var out []*op
	for _, client := range clients {
		s := d.streams[client]
		seqs := make([]uint64, 0, len(s.ops))
		for seq := range s.ops {
			if seq > remote[client] {
				seqs = append(seqs, seq)
			}
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			out = append(out, s.ops[seq])
		}
	}
	return out
}
