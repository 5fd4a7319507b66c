package awareness

import (
	"sync"

	"github.com/materi/collab/internal/codec"
	"github.com/materi/collab/internal/crdt"
)

// Awareness tracks ephemeral per-client presence: an application-defined
// record (JSON in practice; this layer treats it as opaque bytes) plus a
// per-client clock. Merging is last-writer-wins per client: a record only
// replaces one with a strictly smaller clock. Removal stores a tombstone
// with the last known clock + 1, so a stale record arriving late cannot
// resurrect a departed client.
type Awareness struct {
	mu       sync.Mutex
	clientID uint64
	states   map[uint64]*entry
	handlers []Handler
}

type entry struct {
	clock  uint64
	record []byte // nil or empty marks a tombstone
}

// Change lists the client ids affected by one apply, never the full set,
// keeping broadcast payloads proportional to churn.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// IDs returns every client id the change touches.
func (c Change) IDs() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	ids = append(ids, c.Removed...)
	return ids
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Handler observes presence changes. The origin tag distinguishes changes
// made through the local API from merged remote deltas.
type Handler interface {
	HandleChange(change Change, origin crdt.Origin)
}

type HandlerFunc func(change Change, origin crdt.Origin)

func (f HandlerFunc) HandleChange(change Change, origin crdt.Origin) {
	f(change, origin)
}

func New(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		states:   make(map[uint64]*entry),
	}
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

func (a *Awareness) Subscribe(h Handler) {
	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	a.mu.Unlock()
}

func (a *Awareness) notify(change Change, origin crdt.Origin) {
	if change.Empty() {
		return
	}
	a.mu.Lock()
	handlers := make([]Handler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.Unlock()
	for _, h := range handlers {
		h.HandleChange(change, origin)
	}
}

// SetLocalState stores the caller's own presence record and bumps the local
// clock. Passing nil removes the local state.
func (a *Awareness) SetLocalState(record []byte) {
	if len(record) == 0 {
		a.Remove([]uint64{a.clientID}, crdt.OriginLocal)
		return
	}
	a.mu.Lock()
	e := a.states[a.clientID]
	var change Change
	if e == nil {
		e = &entry{}
		a.states[a.clientID] = e
		change.Added = []uint64{a.clientID}
	} else if len(e.record) == 0 {
		change.Added = []uint64{a.clientID}
	} else {
		change.Updated = []uint64{a.clientID}
	}
	e.clock++
	e.record = append([]byte(nil), record...)
	a.mu.Unlock()
	a.notify(change, crdt.OriginLocal)
}

// Remove tombstones the given clients, typically on disconnect.
func (a *Awareness) Remove(clientIDs []uint64, origin crdt.Origin) {
	a.mu.Lock()
	var change Change
	for _, id := range clientIDs {
		e := a.states[id]
		if e == nil || len(e.record) == 0 {
			continue
		}
		e.clock++
		e.record = nil
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()
	a.notify(change, origin)
}

// ApplyUpdate merges a remote presence delta under the per-client LWW rule
// and reports which client ids changed.
func (a *Awareness) ApplyUpdate(update []byte, origin crdt.Origin) (Change, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return Change{}, err
	}
	a.mu.Lock()
	var change Change
	for _, in := range entries {
		e := a.states[in.client]
		if e != nil && in.clock <= e.clock {
			continue
		}
		hadRecord := e != nil && len(e.record) > 0
		if e == nil {
			e = &entry{}
			a.states[in.client] = e
		}
		e.clock = in.clock
		e.record = in.record
		switch {
		case len(in.record) == 0 && hadRecord:
			change.Removed = append(change.Removed, in.client)
		case len(in.record) == 0:
			// Tombstone for a client we never saw: keep the clock so a
			// stale record cannot land later, but nothing changed visibly.
		case hadRecord:
			change.Updated = append(change.Updated, in.client)
		default:
			change.Added = append(change.Added, in.client)
		}
	}
	a.mu.Unlock()
	a.notify(change, origin)
	return change, nil
}

// States returns a snapshot of all live presence records.
func (a *Awareness) States() map[uint64][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64][]byte, len(a.states))
	for id, e := range a.states {
		if len(e.record) > 0 {
			out[id] = append([]byte(nil), e.record...)
		}
	}
	return out
}

// LiveIDs lists clients with a live (non-tombstoned) record.
func (a *Awareness) LiveIDs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.states))
	for id, e := range a.states {
		if len(e.record) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

type wireEntry struct {
	client uint64
	clock  uint64
	record []byte
}

// EncodeUpdate serializes the current state of exactly the given clients.
// Tombstoned or unknown clients encode with an empty record.
func (a *Awareness) EncodeUpdate(clientIDs []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := codec.NewEncoder()
	e.WriteUvarint(uint64(len(clientIDs)))
	for _, id := range clientIDs {
		e.WriteUvarint(id)
		st := a.states[id]
		if st == nil {
			e.WriteUvarint(0)
			e.WriteBytes(nil)
			continue
		}
		e.WriteUvarint(st.clock)
		e.WriteBytes(st.record)
	}
	return e.Bytes()
}

// EncodeAll serializes every live record, used to bring a fresh connection
// up to date.
func (a *Awareness) EncodeAll() []byte {
	return a.EncodeUpdate(a.LiveIDs())
}

// UpdateClientIDs lists the client ids an encoded update speaks for,
// whether or not a merge would accept it. The room server uses the first
// one to associate a connection with its awareness client.
func UpdateClientIDs(update []byte) ([]uint64, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.client
	}
	return ids, nil
}

func decodeEntries(update []byte) ([]wireEntry, error) {
	d := codec.NewDecoder(update)
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	var entries []wireEntry
	for i := uint64(0); i < n; i++ {
		client, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		record, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		entries = append(entries, wireEntry{
			client: client,
			clock:  clock,
			record: append([]byte(nil), record...),
		})
	}
	return entries, nil
}
