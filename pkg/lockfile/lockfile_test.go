package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// writeStaleLock plants a lock file whose heartbeat stopped long ago.
func writeStaleLock(t *testing.T, lockPath string) {
	t.Helper()
	content := LockContent{
		PID:        99999,
		Hostname:   "long-gone-host",
		LastUpdate: time.Now().Add(-(staleTimeout + time.Minute)),
		Nonce:      "expired",
		AppID:      "crashed-run",
	}
	data, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal stale content: %v", err)
	}
	if err := os.WriteFile(lockPath, data, util.UserWritableFilePerms); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
}

func TestAcquireRelease(t *testing.T) {
	t.Run("Acquire Creates the Lock File, Release Removes It", func(t *testing.T) {
		dir := t.TempDir()
		lockPath := filepath.Join(dir, LockFileName)

		lock, err := Acquire(context.Background(), dir, "backup")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if _, err := os.Stat(lockPath); err != nil {
			t.Fatalf("lock file missing while held: %v", err)
		}

		lock.Release()

		if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
			t.Fatal("lock file survived Release")
		}
	})

	t.Run("Release Twice Is Harmless", func(t *testing.T) {
		dir := t.TempDir()

		lock, err := Acquire(context.Background(), dir, "backup")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}

		lock.Release()
		lock.Release()

		if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
			t.Fatal("lock file still present after double Release")
		}
	})
}

func TestActiveLockRefusesSecondAcquire(t *testing.T) {
	dir := t.TempDir()

	holder, err := Acquire(context.Background(), dir, "first-run")
	if err != nil {
		t.Fatalf("Acquire (holder): %v", err)
	}
	defer holder.Release()

	_, err = Acquire(context.Background(), dir, "second-run")
	if err == nil {
		t.Fatal("second Acquire succeeded against a live lock")
	}

	// The error must identify the holder so the operator knows what runs.
	var active *ErrLockActive
	if !errors.As(err, &active) {
		t.Fatalf("want *ErrLockActive, got %T: %v", err, err)
	}
	if active.AppID != "first-run" {
		t.Errorf("ErrLockActive.AppID = %q, want %q", active.AppID, "first-run")
	}
	if active.PID != int64(os.Getpid()) {
		t.Errorf("ErrLockActive.PID = %d, want %d", active.PID, os.Getpid())
	}
}

func TestStaleTakeover(t *testing.T) {
	t.Run("Abandoned Lock Is Taken Over", func(t *testing.T) {
		dir := t.TempDir()
		lockPath := filepath.Join(dir, LockFileName)
		writeStaleLock(t, lockPath)

		lock, err := Acquire(context.Background(), dir, "fresh-run")
		if err != nil {
			t.Fatalf("Acquire over stale lock: %v", err)
		}
		defer lock.Release()

		onDisk, err := readContent(lockPath)
		if err != nil {
			t.Fatalf("readContent after takeover: %v", err)
		}
		if onDisk.AppID != "fresh-run" {
			t.Errorf("lock file AppID = %q, want %q", onDisk.AppID, "fresh-run")
		}
	})

	t.Run("Exactly One Contender Wins", func(t *testing.T) {
		dir := t.TempDir()
		writeStaleLock(t, filepath.Join(dir, LockFileName))

		var wg sync.WaitGroup
		winners := make(chan *Lock, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// The loser sees ErrLostRace or ErrLockActive depending on
				// timing; only the winner count is deterministic.
				if lock, err := Acquire(context.Background(), dir, "contender"); err == nil {
					winners <- lock
				}
			}()
		}
		wg.Wait()
		close(winners)

		if len(winners) != 1 {
			t.Fatalf("%d contenders acquired the lock, want exactly 1", len(winners))
		}
		for lock := range winners {
			lock.Release()
		}
	})
}

func TestHeartbeatKeepsLockLive(t *testing.T) {
	origHeartbeat, origStale := heartbeatInterval, staleTimeout
	heartbeatInterval = 50 * time.Millisecond
	staleTimeout = 4 * heartbeatInterval
	t.Cleanup(func() {
		heartbeatInterval = origHeartbeat
		staleTimeout = origStale
	})

	dir := t.TempDir()

	holder, err := Acquire(context.Background(), dir, "long-running")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer holder.Release()

	// Outwait the stale window. Without the heartbeat refreshing
	// LastUpdate the intruder would take the lock over.
	time.Sleep(staleTimeout + heartbeatInterval)

	intruder, err := Acquire(context.Background(), dir, "intruder")
	if err == nil {
		intruder.Release()
		t.Fatal("intruder acquired a lock whose holder was still heartbeating")
	}

	var active *ErrLockActive
	if !errors.As(err, &active) {
		t.Fatalf("want *ErrLockActive, got %T: %v", err, err)
	}
	if active.AppID != "long-running" {
		t.Errorf("ErrLockActive.AppID = %q, want %q", active.AppID, "long-running")
	}
}

func TestReadContent(t *testing.T) {
	t.Run("Valid File", func(t *testing.T) {
		lockPath := filepath.Join(t.TempDir(), "test.lock")
		want := LockContent{PID: 7, Hostname: "host", Nonce: "n-1", AppID: "reader"}
		data, _ := json.Marshal(want)
		if err := os.WriteFile(lockPath, data, util.UserWritableFilePerms); err != nil {
			t.Fatalf("write lock file: %v", err)
		}

		got, err := readContent(lockPath)
		if err != nil {
			t.Fatalf("readContent: %v", err)
		}
		if got.AppID != want.AppID || got.PID != want.PID {
			t.Errorf("readContent = %+v, want %+v", got, want)
		}
	})

	t.Run("Persistently Empty File", func(t *testing.T) {
		lockPath := filepath.Join(t.TempDir(), "test.lock")
		if err := os.WriteFile(lockPath, nil, util.UserWritableFilePerms); err != nil {
			t.Fatalf("write empty file: %v", err)
		}

		_, err := readContent(lockPath)
		if !errors.Is(err, ErrCorruptLockFile) {
			t.Fatalf("want ErrCorruptLockFile for an empty file, got %v", err)
		}
	})

	t.Run("Persistently Unparsable File", func(t *testing.T) {
		lockPath := filepath.Join(t.TempDir(), "test.lock")
		if err := os.WriteFile(lockPath, []byte("{not json"), util.UserWritableFilePerms); err != nil {
			t.Fatalf("write corrupt file: %v", err)
		}

		_, err := readContent(lockPath)
		if !errors.Is(err, ErrCorruptLockFile) {
			t.Fatalf("want ErrCorruptLockFile for unparsable content, got %v", err)
		}
	})

	t.Run("Transiently Empty File Recovers", func(t *testing.T) {
		// A concurrent writer that has created but not yet filled the
		// file must not look corrupt: the retries bridge the gap.
		lockPath := filepath.Join(t.TempDir(), "test.lock")
		if err := os.WriteFile(lockPath, nil, util.UserWritableFilePerms); err != nil {
			t.Fatalf("write empty file: %v", err)
		}

		go func() {
			time.Sleep(20 * time.Millisecond)
			data, _ := json.Marshal(LockContent{PID: 8, AppID: "late-writer"})
			os.WriteFile(lockPath, data, util.UserWritableFilePerms)
		}()

		got, err := readContent(lockPath)
		if err != nil {
			t.Fatalf("readContent across a transient empty window: %v", err)
		}
		if got.AppID != "late-writer" {
			t.Errorf("readContent AppID = %q, want %q", got.AppID, "late-writer")
		}
	})
}

func TestSweepTempFiles(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "run.lock")

	abandoned := filepath.Join(dir, "run.lock.111.tmp")
	if err := os.WriteFile(abandoned, []byte("x"), util.UserWritableFilePerms); err != nil {
		t.Fatalf("write abandoned temp file: %v", err)
	}
	past := time.Now().Add(-(staleTimeout + time.Minute))
	if err := os.Chtimes(abandoned, past, past); err != nil {
		t.Fatalf("backdate temp file: %v", err)
	}

	// Young enough to be a heartbeat write in flight.
	inFlight := filepath.Join(dir, "run.lock.222.tmp")
	if err := os.WriteFile(inFlight, []byte("x"), util.UserWritableFilePerms); err != nil {
		t.Fatalf("write fresh temp file: %v", err)
	}

	sweepTempFiles(lockPath)

	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Error("abandoned temp file survived the sweep")
	}
	if _, err := os.Stat(inFlight); err != nil {
		t.Errorf("fresh temp file should survive the sweep: %v", err)
	}
}
