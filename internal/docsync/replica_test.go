package docsync

import (
	"context"
	"sync"
	"testing"

	"github.com/automerge/automerge-go"
)

// replica plays the client side of the protocol against a Document.
type replica struct {
	t      *testing.T
	doc    *automerge.Doc
	ss     *automerge.SyncState
	synced bool
}

func newReplica(t *testing.T) *replica {
	t.Helper()
	doc := automerge.New()
	return &replica{t: t, doc: doc, ss: automerge.NewSyncState(doc)}
}

// reconnect keeps the local document but starts a fresh sync state, as a
// client does after losing its connection.
func (r *replica) reconnect() {
	r.ss = automerge.NewSyncState(r.doc)
	r.synced = false
}

func (r *replica) set(key, value string) {
	r.t.Helper()
	if err := r.doc.Path(key).Set(value); err != nil {
		r.t.Fatalf("set %s: %v", key, err)
	}
	if _, err := r.doc.Commit("edit " + key); err != nil {
		r.t.Fatalf("commit %s: %v", key, err)
	}
}

func (r *replica) get(key string) string {
	return valueOf(r.doc, key)
}

func valueOf(doc *automerge.Doc, key string) string {
	v, err := automerge.As[string](doc.Path(key).Get())
	if err != nil {
		return ""
	}
	return v
}

// updateFrame encodes local changes made since the last incremental save.
func (r *replica) updateFrame() []byte {
	r.t.Helper()
	delta := r.doc.SaveIncremental()
	if len(delta) == 0 {
		r.t.Fatal("expected local changes to send")
	}
	return mustEncode(Frame{Kind: KindUpdate, Data: delta})
}

// apply consumes one server frame and returns the reply, if any.
func (r *replica) apply(raw []byte) []byte {
	r.t.Helper()
	frame, err := DecodeFrame(raw)
	if err != nil {
		r.t.Fatalf("server sent bad frame: %v", err)
	}
	switch frame.Kind {
	case KindSync:
		if _, err := r.ss.ReceiveMessage(frame.Data); err != nil {
			r.t.Fatalf("receive sync message: %v", err)
		}
		if msg, valid := r.ss.GenerateMessage(); valid {
			return mustEncode(Frame{Kind: KindSync, Data: msg.Bytes()})
		}
	case KindUpdate:
		if err := r.doc.LoadIncremental(frame.Data); err != nil {
			r.t.Fatalf("load update: %v", err)
		}
	case KindSynced:
		r.synced = true
	}
	return nil
}

// pump drains the session queue, answering every frame, until nothing is left.
// Receive runs synchronously, so every frame it produces is queued before it
// returns.
func (r *replica) pump(d *Document, s *Session) {
	r.t.Helper()
	for {
		select {
		case raw := <-s.Outbound():
			if reply := r.apply(raw); reply != nil {
				if err := d.Receive(context.Background(), s, reply); err != nil {
					r.t.Fatalf("Receive reply: %v", err)
				}
			}
		default:
			return
		}
	}
}

// opening is the client's first sync message. A fresh sync state always has
// one, whether or not the replicas already agree.
func (r *replica) opening() []byte {
	r.t.Helper()
	msg, valid := r.ss.GenerateMessage()
	if !valid {
		r.t.Fatal("fresh sync state produced no opening message")
	}
	return mustEncode(Frame{Kind: KindSync, Data: msg.Bytes()})
}

// connect attaches a session and runs the handshake to completion.
func (r *replica) connect(d *Document) *Session {
	r.t.Helper()
	s, err := d.Attach(context.Background())
	if err != nil {
		r.t.Fatalf("Attach: %v", err)
	}
	if s.State() != StateAwaitingClientState {
		r.t.Fatalf("expected awaiting_client_state after attach, got %s", s.State())
	}
	if err := d.Receive(context.Background(), s, r.opening()); err != nil {
		r.t.Fatalf("Receive opening: %v", err)
	}
	r.pump(d, s)
	if !r.synced || s.State() != StateSynced {
		r.t.Fatalf("expected handshake to finish, replica synced=%v state=%s", r.synced, s.State())
	}
	return s
}

type countingObserver struct {
	mu         sync.Mutex
	merges     int
	broadcasts int
	overflows  int
}

func (o *countingObserver) MergeApplied(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.merges++
}

func (o *countingObserver) UpdateBroadcast(_ string, recipients int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broadcasts += recipients
}

func (o *countingObserver) SessionOverflowed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overflows++
}

func (o *countingObserver) snapshot() (merges, broadcasts, overflows int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.merges, o.broadcasts, o.overflows
}
