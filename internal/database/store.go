// internal/database/store.go
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Error kinds surfaced by the store. Callers treat ErrNotFound as "no data yet"
// and ErrUnavailable as a server-side failure.
var (
	ErrNotFound    = errors.New("collection not found")
	ErrMalformed   = errors.New("collection is not valid json")
	ErrUnavailable = errors.New("data store unavailable")
)

// task is one queued store operation and the channel its result is delivered on.
type task struct {
	name   string
	fn     func() error
	result chan error
}

// Store persists named collections as whole JSON documents under dir. A single
// worker goroutine runs every operation in submission order, so no two reads or
// writes ever overlap.
type Store struct {
	dir   string
	tasks chan task
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Open creates the profile directory under dataDir if needed and starts the worker.
func Open(dataDir, profile string) (*Store, error) {
	dir := filepath.Join(dataDir, profile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	s := &Store{
		dir:   dir,
		tasks: make(chan task, 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Dir is the profile directory backing this store.
func (s *Store) Dir() string { return s.dir }

// Close stops the worker. Queued operations fail with ErrUnavailable.
func (s *Store) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case t := <-s.tasks:
			t.result <- t.fn()
		case <-s.quit:
			for {
				select {
				case t := <-s.tasks:
					t.result <- ErrUnavailable
				default:
					return
				}
			}
		}
	}
}

// submit queues fn and blocks until the worker has run it.
func (s *Store) submit(ctx context.Context, name string, fn func() error) error {
	t := task{name: name, fn: fn, result: make(chan error, 1)}
	select {
	case <-s.quit:
		return ErrUnavailable
	default:
	}
	select {
	case s.tasks <- t:
	case <-s.quit:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read decodes the whole collection into v.
func (s *Store) Read(ctx context.Context, collection string, v any) error {
	return s.submit(ctx, "read "+collection, func() error {
		return s.readFile(collection, v)
	})
}

// Update overwrites the whole collection with v.
func (s *Store) Update(ctx context.Context, collection string, v any) error {
	return s.submit(ctx, "update "+collection, func() error {
		return s.writeFile(collection, v)
	})
}

// Modify reads the collection into v (leaving v untouched if the collection does
// not exist yet), calls fn and writes v back if fn succeeds. The three steps run
// as one worker task, so concurrent modifications never lose each other's changes.
func (s *Store) Modify(ctx context.Context, collection string, v any, fn func() error) error {
	return s.submit(ctx, "modify "+collection, func() error {
		if err := s.readFile(collection, v); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := fn(); err != nil {
			return err
		}
		return s.writeFile(collection, v)
	})
}

func (s *Store) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

func (s *Store) readFile(collection string, v any) error {
	b, err := os.ReadFile(s.path(collection))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	if err != nil {
		log.WithField("collection", collection).Errorf("read failed: %v", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		log.WithField("collection", collection).Errorf("malformed document: %v", err)
		return fmt.Errorf("%w: %s: %v", ErrMalformed, collection, err)
	}
	return nil
}

// writeFile replaces the collection file atomically (temp file, then rename).
func (s *Store) writeFile(collection string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", collection, err)
	}
	tmp, err := os.CreateTemp(s.dir, collection+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), s.path(collection)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
