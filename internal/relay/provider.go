package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/materi/collab/internal/awareness"
	"github.com/materi/collab/internal/crdt"
)

// Named broadcast events carried over the channel.
const (
	EventUpdate       = "yjs-update"
	EventAwareness    = "awareness-update"
	EventSyncRequest  = "sync-request"
	EventSyncResponse = "sync-response"
	EventAIEditing    = "ai-editing"
)

// flushRetryInterval is how long the provider waits before re-publishing
// deltas that failed to go out.
const flushRetryInterval = time.Second

// envelope is the JSON event wrapper published on the channel. Sender lets
// endpoints drop their own broadcasts when the channel delivers to self.
type envelope struct {
	Event   string `json:"event"`
	Sender  string `json:"sender"`
	Payload []byte `json:"payload,omitempty"`
	Active  bool   `json:"active,omitempty"`
}

// Provider synchronizes a local document replica and awareness state with
// peers over a dumb broadcast channel. No peer is authoritative: everyone
// holds a full replica, and convergence comes from the replica's merge
// semantics, not from the transport.
type Provider struct {
	doc       *crdt.Doc
	awareness *awareness.Awareness
	channel   Channel
	sender    string

	mu          sync.Mutex
	connected   bool
	synced      bool
	pending     [][]byte
	retrying    bool
	flushRetry  time.Duration
	onAIEditing func(active bool)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProvider subscribes to the channel and starts syncing. The returned
// provider has already issued its sync-request: subscription confirmation
// happens inside Channel.Subscribe, so there is no race between subscribing
// and asking peers for state.
func NewProvider(ctx context.Context, doc *crdt.Doc, aw *awareness.Awareness, channel Channel) (*Provider, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Provider{
		doc:        doc,
		awareness:  aw,
		channel:    channel,
		sender:     uuid.NewString(),
		cancel:     cancel,
		flushRetry: flushRetryInterval,
		done:       make(chan struct{}),
	}

	msgs, err := channel.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	doc.Subscribe(crdt.UpdateHandlerFunc(func(update []byte, origin crdt.Origin) {
		// A remote update was just applied here; broadcasting it again
		// would echo forever.
		if origin == crdt.OriginRemote {
			return
		}
		p.broadcastUpdate(ctx, update)
	}))

	aw.Subscribe(awareness.HandlerFunc(func(change awareness.Change, origin crdt.Origin) {
		if origin == crdt.OriginRemote {
			return
		}
		p.publish(ctx, envelope{Event: EventAwareness, Payload: aw.EncodeUpdate(change.IDs())})
	}))

	go p.loop(ctx, msgs)

	p.publish(ctx, envelope{Event: EventSyncRequest})
	return p, nil
}

func (p *Provider) loop(ctx context.Context, msgs <-chan []byte) {
	defer close(p.done)
	defer func() {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				return
			}
			p.handle(ctx, data)
		}
	}
}

func (p *Provider) handle(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("Dropping malformed channel event: %v", err)
		return
	}
	if env.Sender == p.sender {
		return
	}

	switch env.Event {
	case EventUpdate:
		if _, err := p.doc.ApplyUpdate(env.Payload, crdt.OriginRemote); err != nil {
			log.Printf("Dropping bad document update: %v", err)
		}

	case EventSyncResponse:
		// Several peers may answer the same sync-request; applying every
		// response is harmless because apply is idempotent.
		if _, err := p.doc.ApplyUpdate(env.Payload, crdt.OriginRemote); err != nil {
			log.Printf("Dropping bad sync response: %v", err)
			return
		}
		p.mu.Lock()
		p.synced = true
		p.mu.Unlock()

	case EventSyncRequest:
		p.publish(ctx, envelope{Event: EventSyncResponse, Payload: p.doc.EncodeStateAsUpdate()})

	case EventAwareness:
		if _, err := p.awareness.ApplyUpdate(env.Payload, crdt.OriginRemote); err != nil {
			log.Printf("Dropping bad awareness update: %v", err)
		}

	case EventAIEditing:
		p.mu.Lock()
		cb := p.onAIEditing
		p.mu.Unlock()
		if cb != nil {
			cb(env.Active)
		}
	}
}

// broadcastUpdate ships a local delta to peers, folding in any deltas still
// queued from earlier publish failures as one merged update.
func (p *Provider) broadcastUpdate(ctx context.Context, update []byte) {
	p.mu.Lock()
	queue := append(p.pending, update)
	p.pending = nil
	p.mu.Unlock()
	p.flush(ctx, queue)
}

// flush publishes queue as a single merged update. On failure the merged
// payload is re-queued and a retry timer is armed, so the backlog drains
// even if no further local edit ever triggers a broadcast.
func (p *Provider) flush(ctx context.Context, queue [][]byte) {
	if len(queue) == 0 {
		return
	}
	payload := queue[0]
	if len(queue) > 1 {
		payload = crdt.MergeUpdates(queue)
	}
	if p.publish(ctx, envelope{Event: EventUpdate, Payload: payload}) == nil {
		return
	}

	p.mu.Lock()
	p.pending = append(p.pending, payload)
	arm := !p.retrying
	p.retrying = true
	p.mu.Unlock()
	if !arm {
		return
	}
	time.AfterFunc(p.flushRetry, func() {
		p.mu.Lock()
		p.retrying = false
		queued := p.pending
		p.pending = nil
		p.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		p.flush(ctx, queued)
	})
}

func (p *Provider) publish(ctx context.Context, env envelope) error {
	env.Sender = p.sender
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.channel.Publish(ctx, data); err != nil {
		log.Printf("Publish %s failed: %v", env.Event, err)
		return err
	}
	return nil
}

// Connected reports whether the channel subscription is live.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Synced reports whether at least one sync-response has been applied.
func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// OnAIEditing registers a callback for the ai-editing flag. The flag is
// UI-only and carries no synchronization semantics.
func (p *Provider) OnAIEditing(cb func(active bool)) {
	p.mu.Lock()
	p.onAIEditing = cb
	p.mu.Unlock()
}

// BroadcastAIEditing flags to peers that an automated agent is currently
// mutating the document.
func (p *Provider) BroadcastAIEditing(ctx context.Context, active bool) {
	p.publish(ctx, envelope{Event: EventAIEditing, Active: active})
}

// BroadcastFullState pushes this replica's full state unsolicited, the same
// payload a sync-response would carry.
func (p *Provider) BroadcastFullState(ctx context.Context) {
	p.publish(ctx, envelope{Event: EventSyncResponse, Payload: p.doc.EncodeStateAsUpdate()})
}

// Close removes and broadcasts the local awareness state, then tears down
// the channel subscription.
func (p *Provider) Close() error {
	p.awareness.Remove([]uint64{p.awareness.ClientID()}, crdt.OriginLocal)
	p.cancel()
	err := p.channel.Close()
	<-p.done
	return err
}
