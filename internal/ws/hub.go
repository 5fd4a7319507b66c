package ws

import (
	"log"

	"github.com/materi/collab/internal/awareness"
	"github.com/materi/collab/internal/codec"
	"github.com/materi/collab/internal/crdt"
	"github.com/materi/collab/internal/room"
)

// Hub wires incoming connections to the room registry and runs the sync
// protocol against each room's canonical document. Per-message failures are
// logged and dropped; only a transport failure ends a connection.
type Hub struct {
	registry *room.Registry
}

func NewHub(registry *room.Registry) *Hub {
	return &Hub{registry: registry}
}

func (h *Hub) Registry() *room.Registry {
	return h.registry
}

// handleConnect attaches a client to its room and brings it up to date:
// a sync step1 carrying the room's state vector so the client can request
// exactly what it is missing, plus the current awareness snapshot.
func (h *Hub) handleConnect(c *Client, roomID string) {
	r := h.registry.Acquire(roomID, c)
	c.room = r

	sv := crdt.EncodeStateVector(r.Doc.StateVector())
	c.Enqueue(codec.EncodeSyncStep1(sv))

	if states := r.Awareness.LiveIDs(); len(states) > 0 {
		c.Enqueue(codec.EncodeAwareness(r.Awareness.EncodeUpdate(states)))
	}

	log.Printf("Client %s joined room %s (total: %d)", c.id, roomID, r.ConnCount())
}

func (h *Hub) handleMessage(c *Client, frame []byte) {
	msg, err := codec.DecodeMessage(frame)
	if err != nil {
		log.Printf("Dropping malformed message from client %s: %v", c.id, err)
		return
	}

	switch msg.Type {
	case codec.MessageTypeSync:
		h.handleSync(c, msg)
	case codec.MessageTypeAwareness:
		h.handleAwareness(c, msg.Payload)
	}
}

func (h *Hub) handleSync(c *Client, msg codec.Message) {
	r := c.room
	switch msg.Step {
	case codec.SyncStep1:
		// Point-to-point: the diff answers only the asking connection.
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			log.Printf("Dropping bad state vector from client %s: %v", c.id, err)
			return
		}
		c.Enqueue(codec.EncodeSyncStep2(r.Doc.DiffUpdate(sv)))

	case codec.SyncStep2, codec.SyncUpdate:
		delta, err := r.Doc.ApplyUpdate(msg.Payload, crdt.OriginRemote)
		if err != nil {
			log.Printf("Dropping bad update from client %s: %v", c.id, err)
			return
		}
		// Rebroadcast only what actually changed the canonical document,
		// never back to the sender.
		if delta != nil {
			r.Broadcast(codec.EncodeSyncUpdate(delta), c)
		}
	}
}

func (h *Hub) handleAwareness(c *Client, payload []byte) {
	r := c.room

	if c.awarenessID == 0 {
		if ids, err := awareness.UpdateClientIDs(payload); err == nil && len(ids) > 0 {
			c.awarenessID = ids[0]
			r.BindClientID(c, c.awarenessID)
		}
	}

	change, err := r.Awareness.ApplyUpdate(payload, crdt.OriginRemote)
	if err != nil {
		log.Printf("Dropping bad awareness update from client %s: %v", c.id, err)
		return
	}
	if change.Empty() {
		return
	}
	r.Broadcast(codec.EncodeAwareness(r.Awareness.EncodeUpdate(change.IDs())), c)
}

// handleDisconnect runs synchronously with the connection close: the
// client's presence is tombstoned and broadcast, and an emptied room starts
// its grace timer.
func (h *Hub) handleDisconnect(c *Client) {
	r := c.room
	if r == nil {
		return
	}

	clientID, remaining := r.Detach(c)
	if clientID != 0 {
		r.Awareness.Remove([]uint64{clientID}, crdt.OriginRemote)
		r.Broadcast(codec.EncodeAwareness(r.Awareness.EncodeUpdate([]uint64{clientID})), c)
	}

	log.Printf("Client %s left room %s (remaining: %d)", c.id, r.ID, remaining)

	if remaining == 0 {
		h.registry.Release(r)
	}
}
