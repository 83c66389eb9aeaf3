/*
	The store manages bare repositories rooted under a single configured
	base directory.

	Repositories are only ever created inside that base; name validation
	happens here (and again at the HTTP routing layer, on the raw path)
	before anything touches the filesystem.  Repositories are never deleted
	by this system.

	Each repository also carries an advisory lock: ref transactions
	(receive-pack RPCs) must hold it so that two pushes against the same
	repository serialize and the loser observes the updated old-value
	precondition instead of silently clobbering the winner.
*/
package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	. "github.com/warpfork/go-errcat"

	"gopkg.in/src-d/go-billy.v4/osfs"
	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing/cache"
	"gopkg.in/src-d/go-git.v4/plumbing/storer"
	"gopkg.in/src-d/go-git.v4/storage/filesystem"

	"go.polydawn.net/packhouse"
)

type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

/*
	Open a store rooted at the given base directory, creating the base
	directory itself if it is absent.

	May return errors of category:

	  - `packhouse.ErrUsage` -- if the base path is not absolutizable
	  - `packhouse.ErrStorage` -- if the base directory cannot be created
*/
func NewStore(basePath string) (*Store, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, Errorf(packhouse.ErrUsage, "empty repository base path")
	}
	basePath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, Errorf(packhouse.ErrUsage, "failed handling base path: %s", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, Errorf(packhouse.ErrStorage, "could not create repository base dir: %s", err)
	}
	return &Store{
		basePath: basePath,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) BasePath() string {
	return s.basePath
}

/*
	Validate a repository name for use as a single path segment under the
	store's base directory.

	This is a security boundary, not a convenience check: traversal
	sequences, separators of any flavor, and empty segments are rejected
	outright, and nothing reaches the filesystem for a name that fails here.
*/
func ValidateName(name string) error {
	switch {
	case name == "":
		return Errorf(packhouse.ErrBadRequest, "empty repository name")
	case strings.Contains(name, ".."):
		return Errorf(packhouse.ErrBadRequest, "repository name %q contains a traversal sequence", name)
	case strings.ContainsAny(name, "/\\"):
		return Errorf(packhouse.ErrBadRequest, "repository name %q contains a path separator", name)
	case name[0] == '-' || name[0] == '.':
		return Errorf(packhouse.ErrBadRequest, "repository name %q starts with a reserved character", name)
	default:
		return nil
	}
}

/*
	Ensure a bare repository exists for the given name, creating it with
	empty initial state (no refs, no objects) if absent.  Idempotent:
	ensuring a name twice is a no-op after the first creation.

	May return errors of category:

	  - `packhouse.ErrBadRequest` -- for invalid names
	  - `packhouse.ErrStorage` -- if initialization fails (disk full, perms)
*/
func (s *Store) Ensure(name string) (Repository, error) {
	if err := ValidateName(name); err != nil {
		return Repository{}, err
	}
	repo := Repository{name: name, path: filepath.Join(s.basePath, name), store: s}
	if repo.exists() {
		return repo, nil
	}
	_, err := git.PlainInit(repo.path, true)
	switch err {
	case nil, git.ErrRepositoryAlreadyExists:
		// Losing a creation race to a concurrent Ensure is fine.
		return repo, nil
	default:
		return Repository{}, Errorf(packhouse.ErrStorage, "could not initialize repository %q: %s", name, err)
	}
}

/*
	Look up the repository for the given name.  Pure: no side effects.

	May return errors of category:

	  - `packhouse.ErrBadRequest` -- for invalid names
	  - `packhouse.ErrNotFound` -- if no such repository exists
*/
func (s *Store) Resolve(name string) (Repository, error) {
	if err := ValidateName(name); err != nil {
		return Repository{}, err
	}
	repo := Repository{name: name, path: filepath.Join(s.basePath, name), store: s}
	if !repo.exists() {
		return Repository{}, Errorf(packhouse.ErrNotFound, "no such repository %q", name)
	}
	return repo, nil
}

// lockFor hands out the one mutex associated with a repository name.
func (s *Store) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[name]
	if !ok {
		m = &sync.Mutex{}
		s.locks[name] = m
	}
	return m
}

/*
	A named, bare repository rooted under the store's base directory.

	The zero value is not usable; obtain one via `Store.Ensure` or
	`Store.Resolve`.
*/
type Repository struct {
	name  string
	path  string
	store *Store
}

func (r Repository) Name() string {
	return r.name
}

func (r Repository) Path() string {
	return r.path
}

// exists checks for the bare-repo config file, the same probe go-git's
// own filesystem loader uses.
func (r Repository) exists() bool {
	_, err := os.Stat(filepath.Join(r.path, "config"))
	return err == nil
}

/*
	Open object/ref storage for this repository.

	May return errors of category:

	  - `packhouse.ErrStorage` -- if the storage layout is unreadable
*/
func (r Repository) Storer() (storer.Storer, error) {
	if !r.exists() {
		return nil, Errorf(packhouse.ErrStorage, "repository %q vanished from disk", r.name)
	}
	return filesystem.NewStorage(osfs.New(r.path), cache.NewObjectLRUDefault()), nil
}

/*
	Acquire this repository's advisory write lock, blocking until held.
	Returns the release function; callers must defer it for the duration
	of their ref transaction.
*/
func (r Repository) Lock() (release func()) {
	m := r.store.lockFor(r.name)
	m.Lock()
	return m.Unlock
}
