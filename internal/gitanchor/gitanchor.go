// Package gitanchor implements the optional Git-backed versioning layer
// (C4): it anchors a synchronized folder's history in a local Git
// repository, committing chunk-set snapshots and exposing refs other peers
// can fetch. It is entirely optional — a folder with Git disabled, or whose
// working tree has no .git directory, degrades to the "no anchor" case
// rather than failing. Uses go-git/go-git/v5 (a pure-Go git implementation,
// avoiding a libgit2/cgo dependency), grounded on the go-git/go-git example
// retrieved for this spec; the teacher pack itself has no git integration.
package gitanchor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
)

// Author identifies the committer for anchor commits.
type Author struct {
	Name  string
	Email string
}

// Anchor wraps a folder's optional Git repository.
type Anchor struct {
	path    string
	repo    *git.Repository
	author  Author
	timeout time.Duration
}

// Open opens an existing Git repository at path, or returns ok=false if none
// exists there — callers treat that as "no anchor", not an error.
func Open(path string, author Author, timeout time.Duration) (anchor *Anchor, ok bool, err error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return nil, false, nil
		}
		return nil, false, ccbterr.Wrap(ccbterr.IOError, fmt.Sprintf("open git repository at %q", path), err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Anchor{path: path, repo: repo, author: author, timeout: timeout}, true, nil
}

// Init creates a new Git repository at path (non-bare), used when a folder
// enables Git anchoring for the first time.
func Init(path string, author Author, timeout time.Duration) (*Anchor, error) {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.IOError, fmt.Sprintf("init git repository at %q", path), err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Anchor{path: path, repo: repo, author: author, timeout: timeout}, nil
}

// CommitSnapshot stages every file in the worktree, untracked ones included,
// and commits, returning the new
// commit hash. Returns ok=false (no error) if the working tree was already
// clean — a snapshot with nothing changed anchors nothing.
func (a *Anchor) CommitSnapshot(ctx context.Context, message string) (hash string, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	wt, err := a.repo.Worktree()
	if err != nil {
		return "", false, ccbterr.Wrap(ccbterr.IOError, "open worktree", err)
	}

	if err := addAll(wt); err != nil {
		return "", false, err
	}

	status, err := wt.Status()
	if err != nil {
		return "", false, ccbterr.Wrap(ccbterr.IOError, "worktree status", err)
	}
	if status.IsClean() {
		return "", false, nil
	}

	done := make(chan struct{})
	var commit plumbing.Hash
	var commitErr error
	go func() {
		defer close(done)
		commit, commitErr = wt.Commit(message, &git.CommitOptions{
			Author: &object.Signature{
				Name:  a.author.Name,
				Email: a.author.Email,
				When:  time.Now(),
			},
		})
	}()

	select {
	case <-done:
		if commitErr != nil {
			return "", false, ccbterr.Wrap(ccbterr.IOError, "commit snapshot", commitErr)
		}
		return commit.String(), true, nil
	case <-ctx.Done():
		return "", false, ccbterr.Wrap(ccbterr.Timeout, "commit snapshot", ctx.Err())
	}
}

func addAll(wt *git.Worktree) error {
	if _, err := wt.Add("."); err != nil {
		return ccbterr.Wrap(ccbterr.IOError, "stage changes", err)
	}
	return nil
}

// Head returns the current HEAD commit hash, or ok=false if the repository
// has no commits yet.
func (a *Anchor) Head() (hash string, ok bool, err error) {
	ref, err := a.repo.Head()
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return "", false, nil
		}
		return "", false, ccbterr.Wrap(ccbterr.IOError, "read HEAD", err)
	}
	return ref.Hash().String(), true, nil
}

// IsDirty reports whether the worktree has uncommitted changes.
func (a *Anchor) IsDirty() (bool, error) {
	wt, err := a.repo.Worktree()
	if err != nil {
		return false, ccbterr.Wrap(ccbterr.IOError, "open worktree", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, ccbterr.Wrap(ccbterr.IOError, "worktree status", err)
	}
	return !status.IsClean(), nil
}

// Log returns up to n most recent commit hashes reachable from HEAD, oldest
// last, used to populate a .tonic file's "git refs" field.
func (a *Anchor) Log(n int) ([]string, error) {
	ref, err := a.repo.Head()
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return nil, nil
		}
		return nil, ccbterr.Wrap(ccbterr.IOError, "read HEAD", err)
	}

	iter, err := a.repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.IOError, "read commit log", err)
	}
	defer iter.Close()

	var hashes []string
	for len(hashes) < n {
		c, err := iter.Next()
		if err != nil {
			break
		}
		hashes = append(hashes, c.Hash.String())
	}
	return hashes, nil
}
