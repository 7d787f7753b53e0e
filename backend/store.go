package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// StateVersion is the schema version written into state.json. Bump this
// and add a migration path whenever a stored field's meaning changes,
// per the default-flag-table design contract.
const StateVersion = 1

// SaveDebounceWindow coalesces bursts of state-mutating commands into a
// single write, per the Persistent State Store contract.
const SaveDebounceWindow = 500 * time.Millisecond

type stateDocument struct {
	Version     int           `json:"version"`
	Subscribers []*Subscriber `json:"subscribers"`
}

// SaveLock is an optional mutual-exclusion guard FileStore consults before
// writing, so two processes racing on the same state file (a hot standby
// during a deploy) don't interleave writes. Nil means no guard: the single
// normal-operation case, a lone process owning its own state file.
type SaveLock interface {
	// TryAcquire reports whether the caller may proceed with a write.
	TryAcquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// FileStore is the durable, atomic-rename-based SubscriberSet store. It
// owns a single background goroutine that serializes and debounces
// writes; "the latest wins" is implemented by always snapshotting the
// most recently requested set when the debounce timer fires.
type FileStore struct {
	path string
	lock SaveLock

	saveRequests chan *SubscriberSet
	done         chan struct{}
	closed       chan struct{}
}

// NewFileStore returns a store backed by the JSON document at path. The
// background save loop is started immediately; call Close to flush and
// stop it.
func NewFileStore(path string) *FileStore {
	return NewFileStoreWithLock(path, nil)
}

// NewFileStoreWithLock is NewFileStore with an explicit SaveLock, used when
// running a hot standby against the same state file.
func NewFileStoreWithLock(path string, lock SaveLock) *FileStore {
	s := &FileStore{
		path:         path,
		lock:         lock,
		saveRequests: make(chan *SubscriberSet, 1),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}
	go s.run()
	return s
}

// Load reads the state file. A missing or corrupt file is logged as a
// warning and yields an empty set, never an error, matching the "always a
// complete, self-consistent snapshot" invariant: we never hand back a
// partially-parsed set.
func (s *FileStore) Load(ctx context.Context) (*SubscriberSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", s.path).Msg("no existing state file, starting empty")
			return NewSubscriberSet(), nil
		}
		log.Warn().Err(err).Str("path", s.path).Msg("failed to read state file, starting empty")
		return NewSubscriberSet(), nil
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to parse state file, starting empty")
		return NewSubscriberSet(), nil
	}

	set := NewSubscriberSet()
	for _, sub := range doc.Subscribers {
		if sub.ChatID == "" {
			continue
		}
		set.byChatID[sub.ChatID] = sub
	}
	set.reindexEmail()
	return set, nil
}

// Save requests a debounced, atomic write of set. It returns once the
// request has been queued, not once the write has landed on disk.
func (s *FileStore) Save(ctx context.Context, set *SubscriberSet) error {
	select {
	case <-s.closed:
		return fmt.Errorf("state store is closed")
	default:
	}
	select {
	case s.saveRequests <- set:
	default:
		// a save is already pending; replace it with the latest snapshot
		select {
		case <-s.saveRequests:
		default:
		}
		s.saveRequests <- set
	}
	return nil
}

// Close flushes any pending write and stops the background loop.
func (s *FileStore) Close() error {
	close(s.done)
	<-s.closed
	return nil
}

func (s *FileStore) run() {
	defer close(s.closed)
	var pending *SubscriberSet
	timer := time.NewTimer(0)
	timer.Stop()
	timerRunning := false

	flush := func() {
		if pending == nil {
			return
		}
		if s.lock != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			acquired := s.lock.TryAcquire(ctx)
			cancel()
			if !acquired {
				log.Warn().Str("path", s.path).Msg("another process holds the state save lock, skipping this write")
				return
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				s.lock.Release(ctx)
				cancel()
			}()
		}
		if err := s.writeAtomic(pending); err != nil {
			log.Error().Err(err).Str("path", s.path).Msg("failed to save state; previous snapshot remains intact")
		}
		pending = nil
	}

	for {
		select {
		case set := <-s.saveRequests:
			pending = set
			if !timerRunning {
				timer.Reset(SaveDebounceWindow)
				timerRunning = true
			}
		case <-timer.C:
			timerRunning = false
			flush()
		case <-s.done:
			if timerRunning {
				timer.Stop()
			}
			// drain any last request that raced with shutdown
			select {
			case set := <-s.saveRequests:
				pending = set
			default:
			}
			flush()
			return
		}
	}
}

// writeAtomic serializes set to a temporary file in the same directory as
// the target, fsyncs it, then renames it over the target. This is the
// only way the state file is ever written, so a reader never observes a
// partial document.
func (s *FileStore) writeAtomic(set *SubscriberSet) error {
	doc := stateDocument{
		Version:     StateVersion,
		Subscribers: set.All(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp state file over %s: %w", s.path, err)
	}
	log.Debug().Str("path", s.path).Int("subscribers", len(doc.Subscribers)).Msg("saved state")
	return nil
}
