package room

import (
	"sync"
	"time"

	"github.com/materi/collab/internal/awareness"
	"github.com/materi/collab/internal/crdt"
)

// Conn is the transport-side handle a room holds for each attached
// connection. Enqueue reports false when the peer's send buffer is full.
type Conn interface {
	Enqueue(msg []byte) bool
	Close()
}

// A collaborative editing session: one canonical document, one awareness
// state, and the set of currently attached connections.
type Room struct {
	ID        string
	Doc       *crdt.Doc
	Awareness *awareness.Awareness

	mu         sync.RWMutex
	conns      map[Conn]uint64 // conn -> awareness client id (0 until known)
	emptySince time.Time
	dead       bool
}

func newRoom(id string) *Room {
	doc := crdt.NewDoc()
	return &Room{
		ID:        id,
		Doc:       doc,
		Awareness: awareness.New(doc.ClientID()),
		conns:     make(map[Conn]uint64),
	}
}

// Attach registers a connection and marks the room occupied. It reports
// false if the room has already been retired by the grace-period collector;
// the caller must then look the room up again.
func (r *Room) Attach(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return false
	}
	r.conns[c] = 0
	r.emptySince = time.Time{}
	return true
}

// retire marks an empty room dead once it has drained for the full grace
// window. A dead room rejects attachments, so retirement and attachment
// cannot interleave: whichever takes the room lock first wins outright.
func (r *Room) retire(grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) > 0 {
		return false
	}
	if time.Since(r.emptySince) < grace {
		// A reconnect restarted the drain; the Release that follows its
		// disconnect carries the timer for the new window.
		return false
	}
	r.dead = true
	return true
}

// BindClientID records which awareness client id a connection speaks for,
// so disconnect cleanup can remove exactly that client's presence.
func (r *Room) BindClientID(c Conn, clientID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; ok {
		r.conns[c] = clientID
	}
}

// Detach removes a connection and returns its bound awareness client id
// (0 if none was ever seen) plus the number of connections left.
func (r *Room) Detach(c Conn) (clientID uint64, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clientID = r.conns[c]
	delete(r.conns, c)
	remaining = len(r.conns)
	if remaining == 0 {
		r.emptySince = time.Now()
	}
	return clientID, remaining
}

// ConnCount reports how many connections are attached.
func (r *Room) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// EmptySince reports when the room last became unoccupied; zero while
// occupied.
func (r *Room) EmptySince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emptySince
}

// Broadcast queues a message on every attached connection except the
// sender. Connections whose buffers are full are closed; their read pump
// handles the detach.
func (r *Room) Broadcast(msg []byte, except Conn) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range conns {
		if !c.Enqueue(msg) {
			c.Close()
		}
	}
}

// Snapshot returns the current merged document bytes. This is one of the
// two narrow hooks external collaborators (persistence, AI tooling) consume.
func (r *Room) Snapshot() []byte {
	return r.Doc.EncodeStateAsUpdate()
}

// ApplyExternal merges update bytes produced outside any connection and
// returns the resulting delta for broadcast.
func (r *Room) ApplyExternal(update []byte) ([]byte, error) {
	return r.Doc.ApplyUpdate(update, crdt.OriginRemote)
}
