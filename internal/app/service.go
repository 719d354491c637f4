package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docsync/api/internal/auth"
	"docsync/api/internal/config"
	"docsync/api/internal/docstore"
	"docsync/api/internal/docsync"
	"docsync/api/internal/metrics"
	"docsync/api/internal/storage"

	"github.com/hashicorp/go-hclog"
)

// Client-visible check-store failures.
const (
	CheckStoreConnection   = "Connection error."
	CheckStoreNoBucket     = "Bucket does not exist."
	CheckStoreUnauthorized = "Not authorized."
	CheckStoreUnknown      = "Unknown error."
)

type CheckStoreResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ClientToken is everything a client needs to open a realtime session.
// Token is omitted when auth is disabled.
type ClientToken struct {
	URL   string `json:"url"`
	Doc   string `json:"doc"`
	Token string `json:"token,omitempty"`
}

type documentStore interface {
	Create(ctx context.Context, id string) (string, error)
	Exists(ctx context.Context, id string) (bool, error)
	Attach(ctx context.Context, id string) (*docsync.Document, *docsync.Session, error)
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Service struct {
	cfg     config.Config
	docs    documentStore
	backend healthChecker
	auth    *auth.Authenticator
	metrics *metrics.Metrics
	logger  hclog.Logger
}

func New(cfg config.Config, docs *docstore.Store, authenticator *auth.Authenticator, m *metrics.Metrics, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		cfg:     cfg,
		docs:    docs,
		backend: docs.Backend(),
		auth:    authenticator,
		metrics: m,
		logger:  logger,
	}
}

func (s *Service) AuthEnabled() bool {
	return s.auth.Enabled()
}

// Ping reports whether storage is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.backend.HealthCheck(ctx)
}

// CheckStore never fails; storage problems are reported in the result.
func (s *Service) CheckStore(ctx context.Context) CheckStoreResult {
	err := s.backend.HealthCheck(ctx)
	if err == nil {
		return CheckStoreResult{OK: true}
	}
	s.logger.Warn("store check failed", "error", err)
	switch {
	case errors.Is(err, storage.ErrBucketNotFound):
		return CheckStoreResult{Error: CheckStoreNoBucket}
	case errors.Is(err, storage.ErrNotAuthorized):
		return CheckStoreResult{Error: CheckStoreUnauthorized}
	case errors.Is(err, storage.ErrConnection), errors.Is(err, context.DeadlineExceeded):
		return CheckStoreResult{Error: CheckStoreConnection}
	default:
		return CheckStoreResult{Error: CheckStoreUnknown}
	}
}

// AuthorizeControl gates the control routes behind a server token when auth
// is enabled.
func (s *Service) AuthorizeControl(token string) error {
	if err := s.auth.VerifyServerToken(token); err != nil {
		return errUnauthorized
	}
	return nil
}

// CreateDoc creates a document; an empty name gets a generated id.
func (s *Service) CreateDoc(ctx context.Context, name string) (string, error) {
	id, err := s.docs.Create(ctx, strings.TrimSpace(name))
	if err != nil {
		return "", translateStoreError(err)
	}
	return id, nil
}

// ClientToken issues connection details for an existing document. A zero
// validFor uses the configured default; longer requests are capped.
func (s *Service) ClientToken(ctx context.Context, docID string, validFor time.Duration, baseURL string) (ClientToken, error) {
	if validFor < 0 {
		return ClientToken{}, domainError(400, "INVALID_TTL", "validForSeconds must not be negative", nil)
	}
	if err := s.requireDocument(ctx, docID); err != nil {
		return ClientToken{}, err
	}

	result := ClientToken{URL: baseURL, Doc: docID}
	if !s.auth.Enabled() {
		return result, nil
	}
	ttl := validFor
	if ttl == 0 {
		ttl = s.cfg.TokenTTL
	}
	if s.cfg.MaxTokenTTL > 0 && ttl > s.cfg.MaxTokenTTL {
		ttl = s.cfg.MaxTokenTTL
	}
	token, err := s.auth.IssueDocToken(docID, ttl)
	if err != nil {
		return ClientToken{}, fmt.Errorf("issue token for %s: %w", docID, err)
	}
	result.Token = token
	return result, nil
}

// AuthorizeConnection checks the token before anything else, so an
// unauthorized caller cannot learn which documents exist.
func (s *Service) AuthorizeConnection(ctx context.Context, docID, token string) error {
	if err := s.auth.VerifyDocToken(token, docID); err != nil {
		return errUnauthorized
	}
	return s.requireDocument(ctx, docID)
}

// Connect attaches a new session to the document.
func (s *Service) Connect(ctx context.Context, docID string) (*docsync.Document, *docsync.Session, error) {
	doc, session, err := s.docs.Attach(ctx, docID)
	if err != nil {
		return nil, nil, translateStoreError(err)
	}
	return doc, session, nil
}

func (s *Service) requireDocument(ctx context.Context, docID string) error {
	if !docstore.ValidName(docID) {
		return errNoSuchDocument
	}
	exists, err := s.docs.Exists(ctx, docID)
	if err != nil {
		return translateStoreError(err)
	}
	if !exists {
		return errNoSuchDocument
	}
	return nil
}

func translateStoreError(err error) error {
	switch {
	case errors.Is(err, docstore.ErrInvalidName):
		return errInvalidDocName
	case errors.Is(err, docstore.ErrAlreadyExists):
		return errDocExists
	case errors.Is(err, docstore.ErrNotFound):
		return errNoSuchDocument
	case errors.Is(err, docstore.ErrCapacity):
		return errCapacity
	case errors.Is(err, docstore.ErrClosed), errors.Is(err, docsync.ErrDocumentClosed):
		return errShuttingDown
	case errors.Is(err, storage.ErrConnection),
		errors.Is(err, storage.ErrBucketNotFound),
		errors.Is(err, storage.ErrNotAuthorized):
		return fmt.Errorf("%w: %v", errStorageDown, err)
	default:
		return err
	}
}

func (s *Service) recordConnection(result string) {
	if s.metrics != nil {
		s.metrics.ConnectionAttempt(result)
	}
}
