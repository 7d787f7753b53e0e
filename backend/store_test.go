package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreLoadMissingFileYieldsEmptySet(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	defer store.Close()

	set, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("expected Load to tolerate a missing file, got %v", err)
	}
	if len(set.All()) != 0 {
		t.Errorf("expected an empty set, got %d subscribers", len(set.All()))
	}
}

func TestFileStoreSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path)

	set := NewSubscriberSet()
	bob, _ := set.GetOrCreate("bob", "bob@example.com")
	bob.SetEnabled(true)
	bob.SetFlag(FlagNotifyReviewComments, true)
	if err := bob.SetFilter(`^\[CI\]`); err != nil {
		t.Fatalf("unexpected filter error: %v", err)
	}

	if err := store.Save(context.Background(), set); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected state file to exist after close: %v", err)
	}

	reloaded := NewFileStore(path)
	defer reloaded.Close()
	loadedSet, err := reloaded.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	loadedBob, ok := loadedSet.Get("bob")
	if !ok {
		t.Fatalf("expected to find bob after round trip")
	}
	if !loadedBob.Enabled {
		t.Errorf("expected enabled=true to survive the round trip")
	}
	if loadedBob.Email != "bob@example.com" {
		t.Errorf("expected email to survive the round trip, got %q", loadedBob.Email)
	}
	if !loadedBob.HasFlag(FlagNotifyReviewComments) {
		t.Errorf("expected the flag override to survive the round trip")
	}
	if loadedBob.Filter == nil || !loadedBob.Filter.Matches("[CI] build") {
		t.Errorf("expected the filter to be recompiled and functional after reload")
	}

	// equivalence over id, email, enabled, flags, filter, per the
	// round-trip invariant.
	if loadedBob.ChatID != bob.ChatID {
		t.Errorf("chat id mismatch across round trip")
	}
}

type fakeLock struct {
	acquireResult bool
	acquired      int
	released      int
}

func (l *fakeLock) TryAcquire(ctx context.Context) bool {
	l.acquired++
	return l.acquireResult
}

func (l *fakeLock) Release(ctx context.Context) {
	l.released++
}

func TestFileStoreSkipsWriteWhenLockHeldElsewhere(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	lock := &fakeLock{acquireResult: false}
	store := NewFileStoreWithLock(path, lock)
	defer store.Close()

	set := NewSubscriberSet()
	set.GetOrCreate("bob", "bob@example.com")
	if err := store.Save(context.Background(), set); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	time.Sleep(SaveDebounceWindow * 3)

	if _, err := os.Stat(path); err == nil {
		t.Errorf("expected no write to land while the lock is held elsewhere")
	}
	if lock.acquired == 0 {
		t.Errorf("expected TryAcquire to have been called")
	}
	if lock.released != 0 {
		t.Errorf("expected Release to not be called when acquisition failed")
	}
}

func TestFileStoreWritesAndReleasesLockOnSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	lock := &fakeLock{acquireResult: true}
	store := NewFileStoreWithLock(path, lock)
	defer store.Close()

	set := NewSubscriberSet()
	set.GetOrCreate("bob", "bob@example.com")
	if err := store.Save(context.Background(), set); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	time.Sleep(SaveDebounceWindow * 3)

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected the write to land when the lock is acquired: %v", err)
	}
	if lock.released == 0 {
		t.Errorf("expected Release to be called after a successful write")
	}
}

func TestFileStoreDebouncesBurstOfSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path)
	defer store.Close()

	for i := 0; i < 5; i++ {
		set := NewSubscriberSet()
		set.GetOrCreate("bob", "bob@example.com")
		if err := store.Save(context.Background(), set); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	// immediately after the burst, nothing should have hit disk yet
	if _, err := os.Stat(path); err == nil {
		t.Errorf("expected the debounce window to delay the write")
	}

	time.Sleep(SaveDebounceWindow * 3)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected a write to have landed after the debounce window: %v", err)
	}
}
