// Package docsync runs the per-document sync engine: one actor goroutine owns
// each CRDT document and applies every merge, so broadcast order matches merge
// order for all attached sessions.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/hashicorp/go-hclog"
)

var (
	// ErrProtocol marks a malformed or out-of-place client frame.
	ErrProtocol = errors.New("docsync: protocol error")
	// ErrSlowConsumer closes a session whose outbound queue overflowed.
	ErrSlowConsumer = errors.New("docsync: session outbound queue full")
	// ErrDocumentClosed is returned once the document actor has stopped.
	ErrDocumentClosed = errors.New("docsync: document closed")
	// ErrSessionClosed is returned for frames from a detached session.
	ErrSessionClosed = errors.New("docsync: session closed")
)

// Observer receives engine events, typically for metrics.
type Observer interface {
	MergeApplied(docID string)
	UpdateBroadcast(docID string, recipients int)
	SessionOverflowed(docID string)
}

type nopObserver struct{}

func (nopObserver) MergeApplied(string)         {}
func (nopObserver) UpdateBroadcast(string, int) {}
func (nopObserver) SessionOverflowed(string)    {}

type Options struct {
	QueueSize int
	Observer  Observer
	Logger    hclog.Logger
}

// Document is the authoritative in-memory replica of one document.
type Document struct {
	id       string
	opts     Options
	logger   hclog.Logger
	observer Observer

	ops     chan func()
	stopped chan struct{}

	// Owned by the actor goroutine.
	doc      *automerge.Doc
	sessions map[*Session]*automerge.SyncState
	sealed   bool
	stopping bool

	version    atomic.Uint64
	persisted  atomic.Uint64
	sessionCnt atomic.Int32
	lastActive atomic.Int64
}

// NewDocument hydrates data (nil for an empty document) and starts the actor.
func NewDocument(id string, data []byte, opts Options) (*Document, error) {
	var (
		doc *automerge.Doc
		err error
	)
	if len(data) == 0 {
		doc = automerge.New()
	} else {
		doc, err = automerge.Load(data)
		if err != nil {
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
	}
	// Start the incremental cursor at the hydrated state so the first delta
	// only carries new changes.
	_ = doc.SaveIncremental()

	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	d := &Document{
		id:       id,
		opts:     opts,
		logger:   opts.Logger.With("doc", id),
		observer: opts.Observer,
		ops:      make(chan func()),
		stopped:  make(chan struct{}),
		doc:      doc,
		sessions: make(map[*Session]*automerge.SyncState),
	}
	d.touch()
	go d.run()
	return d, nil
}

func (d *Document) ID() string { return d.id }

func (d *Document) run() {
	defer close(d.stopped)
	for fn := range d.ops {
		fn()
		if d.stopping {
			for s := range d.sessions {
				d.drop(s, ErrDocumentClosed)
			}
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (d *Document) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case d.ops <- wrapped:
	case <-d.stopped:
		return ErrDocumentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-d.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrDocumentClosed
		}
	}
}

// Attach registers a new session and queues the server's opening sync message.
// The client must answer with a sync message generated from a fresh sync
// state; the handshake completes once the server has replied to it, even when
// both replicas already agree.
func (d *Document) Attach(ctx context.Context) (*Session, error) {
	s := newSession(d.id, d.opts.QueueSize)
	var sealed bool
	err := d.do(ctx, func() {
		if d.sealed {
			sealed = true
			return
		}
		ss := automerge.NewSyncState(d.doc)
		d.sessions[s] = ss
		d.sessionCnt.Add(1)
		d.touch()
		if msg, valid := ss.GenerateMessage(); valid {
			s.enqueue(mustEncode(Frame{Kind: KindSync, Data: msg.Bytes()}))
		}
		s.setState(StateAwaitingClientState)
	})
	if err == nil && sealed {
		err = ErrDocumentClosed
	}
	if err != nil {
		s.close(err)
		return nil, err
	}
	d.logger.Debug("session attached", "session", s.id)
	return s, nil
}

// Receive applies one raw client frame. A protocol error closes the session
// and leaves the document untouched.
func (d *Document) Receive(ctx context.Context, s *Session, raw []byte) error {
	frame, decodeErr := DecodeFrame(raw)
	var result error
	err := d.do(ctx, func() {
		ss, ok := d.sessions[s]
		if !ok {
			result = ErrSessionClosed
			return
		}
		if decodeErr != nil {
			result = decodeErr
		} else {
			d.touch()
			switch frame.Kind {
			case KindSync:
				result = d.handleSync(s, ss, frame.Data)
			case KindUpdate:
				result = d.handleUpdate(s, frame.Data)
			default:
				result = fmt.Errorf("%w: client sent %q frame", ErrProtocol, frame.Kind)
			}
		}
		if errors.Is(result, ErrProtocol) {
			d.drop(s, result)
		}
	})
	if err != nil {
		return err
	}
	return result
}

func (d *Document) handleSync(s *Session, ss *automerge.SyncState, data []byte) error {
	if s.State() == StateAwaitingClientState {
		s.setState(StateSyncing)
	}
	if _, err := ss.ReceiveMessage(data); err != nil {
		return fmt.Errorf("%w: sync message: %v", ErrProtocol, err)
	}
	d.absorb(s)

	if msg, valid := ss.GenerateMessage(); valid {
		if !d.send(s, Frame{Kind: KindSync, Data: msg.Bytes()}) {
			return nil
		}
	}
	if s.State() == StateSyncing {
		if d.send(s, Frame{Kind: KindSynced}) {
			s.setState(StateSynced)
		}
	}
	return nil
}

func (d *Document) handleUpdate(s *Session, data []byte) error {
	if err := d.doc.LoadIncremental(data); err != nil {
		return fmt.Errorf("%w: update: %v", ErrProtocol, err)
	}
	d.absorb(s)
	return nil
}

// absorb broadcasts whatever the last merge added. Duplicate changes yield an
// empty delta and nothing is sent.
func (d *Document) absorb(origin *Session) {
	delta := d.doc.SaveIncremental()
	if len(delta) == 0 {
		return
	}
	d.version.Add(1)
	d.observer.MergeApplied(d.id)

	frame := mustEncode(Frame{Kind: KindUpdate, Data: delta})
	recipients := 0
	for s := range d.sessions {
		if s == origin {
			continue
		}
		if s.enqueue(frame) {
			recipients++
			continue
		}
		d.overflowed(s)
	}
	if recipients > 0 {
		d.observer.UpdateBroadcast(d.id, recipients)
	}
}

func (d *Document) send(s *Session, f Frame) bool {
	if s.enqueue(mustEncode(f)) {
		return true
	}
	d.overflowed(s)
	return false
}

func (d *Document) overflowed(s *Session) {
	if errors.Is(s.Err(), ErrSlowConsumer) {
		d.observer.SessionOverflowed(d.id)
		d.logger.Warn("session outbound queue full, closing", "session", s.id)
	}
	d.drop(s, s.Err())
}

// drop must run on the actor.
func (d *Document) drop(s *Session, reason error) {
	if _, ok := d.sessions[s]; !ok {
		return
	}
	delete(d.sessions, s)
	d.sessionCnt.Add(-1)
	s.close(reason)
}

// Detach removes a session after a normal disconnect.
func (d *Document) Detach(ctx context.Context, s *Session) error {
	err := d.do(ctx, func() {
		d.drop(s, nil)
		d.touch()
	})
	s.close(nil)
	if errors.Is(err, ErrDocumentClosed) {
		return nil
	}
	if err == nil {
		d.logger.Debug("session detached", "session", s.id)
	}
	return err
}

// Snapshot returns the full encoded document and the merge version it
// reflects. Pass the version to MarkPersisted once the bytes are stored.
func (d *Document) Snapshot(ctx context.Context) ([]byte, uint64, error) {
	var (
		data    []byte
		version uint64
	)
	err := d.do(ctx, func() {
		data = d.doc.Save()
		version = d.version.Load()
		// Save resets the incremental cursor; every delta before it was
		// already broadcast by absorb.
	})
	if err != nil {
		return nil, 0, err
	}
	return data, version, nil
}

// MarkPersisted records that the snapshot at version is durable. Merges that
// happened after that snapshot keep the document dirty.
func (d *Document) MarkPersisted(version uint64) {
	for {
		current := d.persisted.Load()
		if version <= current {
			return
		}
		if d.persisted.CompareAndSwap(current, version) {
			return
		}
	}
}

func (d *Document) Dirty() bool {
	return d.version.Load() != d.persisted.Load()
}

func (d *Document) SessionCount() int {
	return int(d.sessionCnt.Load())
}

func (d *Document) LastActive() time.Time {
	return time.Unix(0, d.lastActive.Load())
}

func (d *Document) touch() {
	d.lastActive.Store(time.Now().UnixNano())
}

// Retire stops the actor only if no session is attached and nothing is
// waiting to be persisted. It reports whether the document stopped.
func (d *Document) Retire(ctx context.Context) (bool, error) {
	retired := false
	err := d.do(ctx, func() {
		if len(d.sessions) > 0 || d.Dirty() {
			return
		}
		d.stopping = true
		retired = true
	})
	if errors.Is(err, ErrDocumentClosed) {
		return true, nil
	}
	return retired, err
}

// Seal closes every attached session and refuses new ones, so no merge can
// land after the next Snapshot. The actor keeps running until Close.
func (d *Document) Seal(ctx context.Context) error {
	err := d.do(ctx, func() {
		d.sealed = true
		for s := range d.sessions {
			d.drop(s, ErrDocumentClosed)
		}
	})
	if errors.Is(err, ErrDocumentClosed) {
		return nil
	}
	return err
}

// Close stops the actor and closes every attached session.
func (d *Document) Close(ctx context.Context) error {
	err := d.do(ctx, func() {
		d.stopping = true
	})
	if errors.Is(err, ErrDocumentClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	<-d.stopped
	return nil
}

// Closed is closed once the actor has stopped.
func (d *Document) Closed() <-chan struct{} {
	return d.stopped
}
