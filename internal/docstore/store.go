// Package docstore owns the table of live documents: it hydrates them from
// storage on demand, persists dirty ones in the background and retires idle
// ones.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"docsync/api/internal/config"
	"docsync/api/internal/docsync"
	"docsync/api/internal/storage"
	"docsync/api/internal/util"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrInvalidName   = errors.New("invalid document name")
	ErrAlreadyExists = errors.New("document already exists")
	ErrCapacity      = errors.New("document store at capacity")
	ErrClosed        = errors.New("document store closed")
)

const defaultLoadTimeout = 30 * time.Second

var docNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ValidName reports whether id may name a document.
func ValidName(id string) bool {
	return docNamePattern.MatchString(id)
}

// FlushObserver is told about every snapshot write.
type FlushObserver interface {
	FlushCompleted(docID string, err error)
}

type nopFlushObserver struct{}

func (nopFlushObserver) FlushCompleted(string, error) {}

type Options struct {
	CreatePolicy     string
	FlushInterval    time.Duration
	EvictAfter       time.Duration
	MaxDocuments     int
	SessionQueueSize int
	LoadTimeout      time.Duration
	Retry            RetryPolicy
	Observer         docsync.Observer
	FlushObserver    FlushObserver
	Logger           hclog.Logger
}

// OptionsFromConfig maps service configuration onto store options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		CreatePolicy:     cfg.CreatePolicy,
		FlushInterval:    cfg.FlushInterval,
		EvictAfter:       cfg.EvictAfter,
		MaxDocuments:     cfg.MaxDocuments,
		SessionQueueSize: cfg.SessionQueueSize,
		Retry:            DefaultRetryPolicy(),
	}
}

// Store guarantees at most one live Document per id.
type Store struct {
	backend storage.Backend
	opts    Options
	logger  hclog.Logger

	mu     sync.Mutex
	docs   map[string]*docsync.Document
	closed bool

	loads    singleflight.Group
	createMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(backend storage.Backend, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.FlushObserver == nil {
		opts.FlushObserver = nopFlushObserver{}
	}
	if opts.CreatePolicy == "" {
		opts.CreatePolicy = config.CreateReject
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	return &Store{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.Named("store"),
		docs:    make(map[string]*docsync.Document),
		stop:    make(chan struct{}),
	}
}

// Start launches the background flusher. A zero FlushInterval disables it.
func (s *Store) Start() {
	if s.opts.FlushInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushInterval*4)
				if err := s.Flush(ctx); err != nil {
					s.logger.Error("background flush failed", "error", err)
				}
				s.EvictIdle(ctx)
				cancel()
			}
		}
	}()
}

func (s *Store) Backend() storage.Backend {
	return s.backend
}

func (s *Store) docOptions() docsync.Options {
	return docsync.Options{
		QueueSize: s.opts.SessionQueueSize,
		Observer:  s.opts.Observer,
		Logger:    s.logger,
	}
}

func (s *Store) lookup(id string) (*docsync.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	doc, ok := s.docs[id]
	return doc, ok, nil
}

// GetOrLoad returns the resident document or hydrates it from storage.
// Concurrent cold loads of one id share a single backend read. The read runs
// detached from any one caller, bounded by LoadTimeout, so a caller giving up
// does not fail the others waiting on it.
func (s *Store) GetOrLoad(ctx context.Context, id string) (*docsync.Document, error) {
	if !ValidName(id) {
		return nil, ErrInvalidName
	}
	if doc, ok, err := s.lookup(id); err != nil || ok {
		return doc, err
	}

	ch := s.loads.DoChan(id, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LoadTimeout)
		defer cancel()
		return s.load(loadCtx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*docsync.Document), nil
	}
}

func (s *Store) load(ctx context.Context, id string) (*docsync.Document, error) {
	if doc, ok, err := s.lookup(id); err != nil || ok {
		return doc, err
	}

	var data []byte
	err := s.retry(ctx, "load", id, func(ctx context.Context) error {
		var loadErr error
		data, loadErr = s.backend.Load(ctx, id)
		return loadErr
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	doc, err := docsync.NewDocument(id, data, s.docOptions())
	if err != nil {
		return nil, err
	}
	if err := s.insert(ctx, id, doc); err != nil {
		_ = doc.Close(ctx)
		return nil, err
	}
	s.logger.Debug("document loaded", "doc", id, "bytes", len(data))
	return doc, nil
}

// Attach joins a new session to the document, loading it if necessary. A
// document retired between lookup and attach is reloaded.
func (s *Store) Attach(ctx context.Context, id string) (*docsync.Document, *docsync.Session, error) {
	for attempt := 0; attempt < 3; attempt++ {
		doc, err := s.GetOrLoad(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		session, err := doc.Attach(ctx)
		if errors.Is(err, docsync.ErrDocumentClosed) {
			s.forget(id, doc)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return doc, session, nil
	}
	return nil, nil, docsync.ErrDocumentClosed
}

// Create makes a new empty document and persists it before returning. An
// empty id gets a generated one.
func (s *Store) Create(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = util.NewID("")
	} else if !ValidName(id) {
		return "", ErrInvalidName
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	exists, err := s.Exists(ctx, id)
	if err != nil {
		return "", err
	}
	if exists {
		if s.opts.CreatePolicy == config.CreateReuse {
			return id, nil
		}
		return "", ErrAlreadyExists
	}

	doc, err := docsync.NewDocument(id, nil, s.docOptions())
	if err != nil {
		return "", err
	}
	if err := s.insert(ctx, id, doc); err != nil {
		_ = doc.Close(ctx)
		return "", err
	}
	if err := s.flushDocument(ctx, doc); err != nil {
		s.forget(id, doc)
		_ = doc.Close(ctx)
		return "", fmt.Errorf("persist new document %s: %w", id, err)
	}
	s.logger.Info("document created", "doc", id)
	return id, nil
}

// Exists checks memory first, then storage.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidName(id) {
		return false, nil
	}
	if _, ok, err := s.lookup(id); err != nil || ok {
		return ok, err
	}
	var exists bool
	err := s.retry(ctx, "exists", id, func(ctx context.Context) error {
		var existsErr error
		exists, existsErr = s.backend.Exists(ctx, id)
		return existsErr
	})
	if err != nil {
		return false, fmt.Errorf("check %s: %w", id, err)
	}
	return exists, nil
}

// insert adds doc to the table, making room under MaxDocuments first. The
// table lock is never held while a document is being retired.
func (s *Store) insert(ctx context.Context, id string, doc *docsync.Document) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if _, ok := s.docs[id]; ok {
			s.mu.Unlock()
			return fmt.Errorf("document %s already resident", id)
		}
		if s.opts.MaxDocuments <= 0 || len(s.docs) < s.opts.MaxDocuments {
			s.docs[id] = doc
			s.mu.Unlock()
			return nil
		}
		candidates := s.candidatesLocked(time.Time{})
		s.mu.Unlock()

		// least recently active first
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].LastActive().Before(candidates[j].LastActive())
		})
		if s.retire(ctx, candidates, 1, "capacity") == 0 {
			return ErrCapacity
		}
	}
}

// candidatesLocked lists documents with no sessions and nothing to persist.
// A non-zero cutoff also requires no activity since then.
func (s *Store) candidatesLocked(cutoff time.Time) []*docsync.Document {
	candidates := make([]*docsync.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if doc.SessionCount() > 0 || doc.Dirty() {
			continue
		}
		if !cutoff.IsZero() && doc.LastActive().After(cutoff) {
			continue
		}
		candidates = append(candidates, doc)
	}
	return candidates
}

// retire stops up to limit candidates (zero means all) and drops each from
// the table if it is still the resident entry for its id.
func (s *Store) retire(ctx context.Context, candidates []*docsync.Document, limit int, reason string) int {
	retired := 0
	for _, doc := range candidates {
		ok, err := doc.Retire(ctx)
		if err != nil || !ok {
			continue
		}
		s.forget(doc.ID(), doc)
		retired++
		s.logger.Debug("document evicted", "doc", doc.ID(), "reason", reason)
		if limit > 0 && retired >= limit {
			break
		}
	}
	return retired
}

func (s *Store) forget(id string, doc *docsync.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.docs[id]; ok && current == doc {
		delete(s.docs, id)
	}
}

func (s *Store) residents() []*docsync.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]*docsync.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	return docs
}

// flushDocument writes one snapshot. The document stays dirty if it changed
// after the snapshot was taken.
func (s *Store) flushDocument(ctx context.Context, doc *docsync.Document) error {
	data, version, err := doc.Snapshot(ctx)
	if err != nil {
		return err
	}
	err = s.retry(ctx, "save", doc.ID(), func(ctx context.Context) error {
		return s.backend.Save(ctx, doc.ID(), data)
	})
	s.opts.FlushObserver.FlushCompleted(doc.ID(), err)
	if err != nil {
		return err
	}
	doc.MarkPersisted(version)
	return nil
}

// Flush persists every dirty document. Failures leave documents resident and
// dirty for the next round.
func (s *Store) Flush(ctx context.Context) error {
	var errs []error
	for _, doc := range s.residents() {
		if !doc.Dirty() {
			continue
		}
		if err := s.flushDocument(ctx, doc); err != nil {
			if errors.Is(err, docsync.ErrDocumentClosed) {
				continue
			}
			s.logger.Error("flush document failed", "doc", doc.ID(), "error", err)
			errs = append(errs, fmt.Errorf("flush %s: %w", doc.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// EvictIdle retires documents with no sessions, nothing to persist and no
// activity for EvictAfter.
func (s *Store) EvictIdle(ctx context.Context) int {
	if s.opts.EvictAfter <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-s.opts.EvictAfter)

	s.mu.Lock()
	candidates := s.candidatesLocked(cutoff)
	s.mu.Unlock()

	return s.retire(ctx, candidates, 0, "idle")
}

// Stats reports resident documents and attached sessions.
func (s *Store) Stats() (documents, sessions int) {
	for _, doc := range s.residents() {
		documents++
		sessions += doc.SessionCount()
	}
	return documents, sessions
}

// Close stops the flusher and, for every document, seals it against new
// merges, persists it if dirty and stops its actor.
func (s *Store) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	docs := s.docs
	s.docs = make(map[string]*docsync.Document)
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for id, doc := range docs {
		if err := doc.Seal(ctx); err != nil {
			errs = append(errs, fmt.Errorf("seal %s: %w", id, err))
		}
		if doc.Dirty() {
			if err := s.flushDocument(ctx, doc); err != nil && !errors.Is(err, docsync.ErrDocumentClosed) {
				s.logger.Error("final flush failed", "doc", id, "error", err)
				errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
			}
		}
		if err := doc.Close(ctx); err != nil {
			s.logger.Warn("close document failed", "doc", id, "error", err)
		}
	}
	return errors.Join(errs...)
}
