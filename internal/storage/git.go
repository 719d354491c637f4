package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	gitCommitMessage = "Persist document snapshot"
	gitAuthorName    = "docsync"
	gitAuthorEmail   = "docsync@localhost"
)

// Git keeps one repository per document under baseDir. Every Save becomes a
// commit of data.ysweet on main, so earlier snapshots stay in history.
type Git struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGit(baseDir string) (*Git, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Git{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (g *Git) Load(_ context.Context, docID string) ([]byte, error) {
	lock := g.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(g.repoPath(docID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return readSnapshot(commitObj)
}

func (g *Git) Save(_ context.Context, docID string, data []byte) error {
	lock := g.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := g.openOrInit(docID)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), blobName), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", blobName, err)
	}
	if _, err := worktree.Add(blobName); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}
	_, err = worktree.Commit(gitCommitMessage, &git.CommitOptions{
		Author: &object.Signature{
			Name:  gitAuthorName,
			Email: gitAuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil && !errors.Is(err, git.ErrEmptyCommit) {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (g *Git) Exists(_ context.Context, docID string) (bool, error) {
	lock := g.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(g.repoPath(docID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open repo: %w", err)
	}
	if _, err := repo.Head(); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve head: %w", err)
	}
	return true, nil
}

func (g *Git) HealthCheck(context.Context) error {
	info, err := os.Stat(g.baseDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrConnection, g.baseDir)
	}
	return nil
}

func (g *Git) Close() error { return nil }

func (g *Git) repoPath(docID string) string {
	return filepath.Join(g.baseDir, docID)
}

func (g *Git) documentLock(docID string) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	lock, ok := g.locks[docID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	g.locks[docID] = lock
	return lock
}

func (g *Git) openOrInit(docID string) (*git.Repository, error) {
	path := g.repoPath(docID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func readSnapshot(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(blobName)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s from commit: %w", blobName, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s blob: %w", blobName, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
