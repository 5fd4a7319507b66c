package room

import (
	"testing"
	"time"

	"github.com/materi/collab/internal/crdt"
)

// Simulates a transport connection for testing
type mockConn struct {
	sent   chan []byte
	closed bool
}

func newMockConn() *mockConn {
	return &mockConn{sent: make(chan []byte, 64)}
}

func (m *mockConn) Enqueue(msg []byte) bool {
	select {
	case m.sent <- msg:
		return true
	default:
		return false
	}
}

func (m *mockConn) Close() {
	m.closed = true
}

func TestRegistryLazyCreate(t *testing.T) {
	reg := NewRegistry(time.Minute)

	if reg.Len() != 0 {
		t.Fatalf("Expected empty registry, got %d rooms", reg.Len())
	}

	r1 := reg.GetOrCreate("doc-1")
	r2 := reg.GetOrCreate("doc-1")
	if r1 != r2 {
		t.Error("Same id should return same room instance")
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 room, got %d", reg.Len())
	}

	r3 := reg.GetOrCreate("doc-2")
	if r1 == r3 {
		t.Error("Different ids should return different rooms")
	}
}

func TestAttachDetachAndBind(t *testing.T) {
	reg := NewRegistry(time.Minute)
	r := reg.GetOrCreate("doc-1")

	c := newMockConn()
	r.Attach(c)
	if r.ConnCount() != 1 {
		t.Fatalf("Expected 1 connection, got %d", r.ConnCount())
	}
	if !r.EmptySince().IsZero() {
		t.Error("Occupied room should have zero emptySince")
	}

	r.BindClientID(c, 77)
	clientID, remaining := r.Detach(c)
	if clientID != 77 {
		t.Errorf("Expected bound client id 77, got %d", clientID)
	}
	if remaining != 0 {
		t.Errorf("Expected 0 remaining, got %d", remaining)
	}
	if r.EmptySince().IsZero() {
		t.Error("Emptied room should record emptySince")
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	reg := NewRegistry(time.Minute)
	r := reg.GetOrCreate("doc-1")

	sender := newMockConn()
	other := newMockConn()
	r.Attach(sender)
	r.Attach(other)

	r.Broadcast([]byte{1, 2, 3}, sender)

	select {
	case msg := <-other.sent:
		if len(msg) != 3 {
			t.Errorf("Unexpected message %v", msg)
		}
	default:
		t.Fatal("Other connection should have received the broadcast")
	}
	select {
	case <-sender.sent:
		t.Fatal("Sender should not receive its own broadcast")
	default:
	}
}

func TestBroadcastClosesSlowConsumer(t *testing.T) {
	reg := NewRegistry(time.Minute)
	r := reg.GetOrCreate("doc-1")

	slow := &mockConn{sent: make(chan []byte)} // unbuffered, always full
	r.Attach(slow)

	r.Broadcast([]byte{1}, nil)
	if !slow.closed {
		t.Error("Slow consumer should have been closed")
	}
}

func TestGraceTimerDestroysEmptyRoom(t *testing.T) {
	reg := NewRegistry(40 * time.Millisecond)
	r := reg.GetOrCreate("doc-1")

	c := newMockConn()
	r.Attach(c)
	r.Detach(c)
	reg.Release(r)

	// Inside the grace window the room survives.
	time.Sleep(15 * time.Millisecond)
	if _, ok := reg.Get("doc-1"); !ok {
		t.Fatal("Room destroyed before grace period elapsed")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := reg.Get("doc-1"); ok {
		t.Fatal("Room should be destroyed after grace period")
	}
	if reg.Len() != 0 {
		t.Errorf("Expected empty registry, got %d rooms", reg.Len())
	}
}

func TestReconnectDuringDrainCancelsDestruction(t *testing.T) {
	reg := NewRegistry(40 * time.Millisecond)
	r := reg.GetOrCreate("doc-1")

	c := newMockConn()
	r.Attach(c)
	r.Detach(c)
	reg.Release(r)

	// A reconnection during the grace window keeps the room alive.
	time.Sleep(15 * time.Millisecond)
	c2 := newMockConn()
	reg.GetOrCreate("doc-1").Attach(c2)

	time.Sleep(60 * time.Millisecond)
	got, ok := reg.Get("doc-1")
	if !ok {
		t.Fatal("Occupied room was destroyed by stale grace timer")
	}
	if got != r {
		t.Error("Room identity changed across reconnect")
	}
}

func TestCollectionCannotStrandAnAttachingConn(t *testing.T) {
	reg := NewRegistry(20 * time.Millisecond)
	r := reg.GetOrCreate("doc-1")

	c := newMockConn()
	r.Attach(c)
	r.Detach(c)
	time.Sleep(30 * time.Millisecond)

	// Interleave a handler's lookup with the timer firing between the
	// lookup and the attach.
	looked := reg.GetOrCreate("doc-1")
	reg.collect(r)

	c2 := newMockConn()
	if looked.Attach(c2) {
		t.Fatal("Attached to a retired room")
	}
	if _, ok := reg.Get("doc-1"); ok {
		t.Fatal("Retired room still registered")
	}

	// Acquire retries the lookup and lands on a live replacement.
	fresh := reg.Acquire("doc-1", c2)
	if fresh == r {
		t.Fatal("Acquire handed back the retired room")
	}
	if fresh.ConnCount() != 1 {
		t.Fatalf("Expected 1 connection, got %d", fresh.ConnCount())
	}
	if got, ok := reg.Get("doc-1"); !ok || got != fresh {
		t.Fatal("Registry does not hold the room Acquire attached to")
	}
}

func TestRejoinThenLeaveGetsFullGraceWindow(t *testing.T) {
	reg := NewRegistry(80 * time.Millisecond)
	r := reg.GetOrCreate("doc-1")

	c := newMockConn()
	r.Attach(c)
	r.Detach(c)
	reg.Release(r)

	// Rejoin mid-drain, then leave again: the second drain starts a new
	// full window.
	time.Sleep(30 * time.Millisecond)
	c2 := newMockConn()
	reg.Acquire("doc-1", c2)
	time.Sleep(30 * time.Millisecond)
	r.Detach(c2)
	reg.Release(r)

	// The first timer fires a fraction into the new drain and must not
	// collect.
	time.Sleep(40 * time.Millisecond)
	if _, ok := reg.Get("doc-1"); !ok {
		t.Fatal("Room destroyed before its new drain window elapsed")
	}

	// The second timer covers the new window.
	time.Sleep(80 * time.Millisecond)
	if _, ok := reg.Get("doc-1"); ok {
		t.Fatal("Room survived past its grace window")
	}
}

func TestStaleTimerIgnoresRecreatedRoom(t *testing.T) {
	reg := NewRegistry(40 * time.Millisecond)
	r := reg.GetOrCreate("doc-1")

	c := newMockConn()
	r.Attach(c)
	r.Detach(c)
	reg.Release(r)

	time.Sleep(60 * time.Millisecond)
	if _, ok := reg.Get("doc-1"); ok {
		t.Fatal("Room should be gone")
	}

	// A new room under the same id must not be collected by leftovers of
	// the old room's timer.
	r2 := reg.GetOrCreate("doc-1")
	c2 := newMockConn()
	r2.Attach(c2)
	r2.Detach(c2)
	reg.Release(r2)
	reg.GetOrCreate("doc-1").Attach(newMockConn())

	time.Sleep(60 * time.Millisecond)
	if _, ok := reg.Get("doc-1"); !ok {
		t.Fatal("Recreated room destroyed while occupied")
	}
}

func TestSnapshotAndApplyExternal(t *testing.T) {
	reg := NewRegistry(time.Minute)
	r := reg.GetOrCreate("doc-1")

	src := crdt.NewDocWithClientID(5)
	src.InsertText(0, "external")

	delta, err := r.ApplyExternal(src.EncodeStateAsUpdate())
	if err != nil {
		t.Fatalf("ApplyExternal failed: %v", err)
	}
	if delta == nil {
		t.Fatal("Expected a delta from fresh external update")
	}
	if r.Doc.Text() != "external" {
		t.Fatalf("Expected %q, got %q", "external", r.Doc.Text())
	}

	restored := crdt.NewDocWithClientID(6)
	if _, err := restored.ApplyUpdate(r.Snapshot(), crdt.OriginRemote); err != nil {
		t.Fatalf("Apply snapshot failed: %v", err)
	}
	if restored.Text() != "external" {
		t.Fatalf("Snapshot round trip lost data: %q", restored.Text())
	}
}
