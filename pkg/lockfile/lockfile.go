// Package lockfile guards a snapshot base directory against concurrent
// runs. A lock is a JSON file created with O_EXCL and kept fresh by a
// heartbeat goroutine; locks whose heartbeat stopped long enough ago are
// considered stale and may be taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// LockFileName is created inside the base directory for the duration of a
// run. The '~' prefix marks it as transient.
const LockFileName = ".~pgl-snapshot.lock"

// LockContent is what a holder writes into the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"` // disambiguates takeover races
	AppID      string    `json:"appID"`
}

// ErrLockActive reports a live lock held by another process.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), last updated %s ago", e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace signals that another process won a stale-lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates the lock file on disk stayed empty or
// unparsable across read retries.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is a held lock. Release must be called exactly once per run;
// further calls are no-ops.
type Lock struct {
	path    string
	content LockContent
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	held    bool
}

// Vars so tests can shrink the timing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout must comfortably exceed the heartbeat so a slow tick
	// never makes a live lock look dead.
	staleTimeout = 3 * heartbeatInterval
)

// Acquire takes the lock for dirPath or explains why it cannot.
// ctx bounds the acquisition attempt only; the heartbeat runs until
// Release. A held live lock comes back as (nil, *ErrLockActive) so
// callers can exit gracefully via errors.As.
func Acquire(ctx context.Context, dirPath string, appID string) (*Lock, error) {

	absLockFilePath := filepath.Join(dirPath, LockFileName)
	// Takeover races and transient read failures warrant a few rounds.
	maxAttempts := 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Atomic creation wins outright when no lock file exists.
		lock, err := tryAcquire(absLockFilePath, appID)
		if err == nil {
			sweepTempFiles(absLockFilePath)
			go lock.heartbeat()
			return lock, nil
		}

		// Anything but "file exists" is a real filesystem problem.
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// Someone holds it. Stale or live?
		content, readErr := readContent(absLockFilePath)
		if readErr != nil {
			if errors.Is(readErr, ErrCorruptLockFile) {
				plog.Warn("Found corrupt lock file, treating as stale", "path", absLockFilePath, "error", readErr)
				// fall through to takeover
			} else {
				time.Sleep(100 * time.Millisecond)
				continue
			}
		} else {
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					AppID:     content.AppID,
					TimeSince: elapsed,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "age", elapsed)
		}

		lock, takeoverErr := takeoverStaleLock(absLockFilePath, appID)
		if takeoverErr != nil {
			if errors.Is(takeoverErr, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to attempt lock takeover, retrying", "error", takeoverErr)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		sweepTempFiles(absLockFilePath)
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// newContent stamps a fresh owner record for this process. Every
// acquisition path goes through it so the nonce is never reused.
func newContent(appID string) (LockContent, error) {
	nonce, err := generateNonce()
	if err != nil {
		return LockContent{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
		AppID:      appID,
	}, nil
}

// tryAcquire creates the lock file with O_EXCL, which succeeds for at
// most one process.
func tryAcquire(absLockFilePath string, appID string) (*Lock, error) {
	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newContent(appID)
	if err != nil {
		return nil, err
	}

	l := newLock(absLockFilePath, content)

	// An empty lock file must not survive a failed initial write.
	if err := writeContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}

	return l, nil
}

func newLock(absLockFilePath string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    absLockFilePath,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		held:    true,
	}
}

// Release stops the heartbeat and removes the lock file. Safe to call
// more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}

	l.cancel()
	l.cleanup()
	l.held = false
}

// takeoverStaleLock seizes a stale or corrupt lock by renaming fresh
// content over it, then reads the file back: whoever's nonce survives
// owns the lock.
func takeoverStaleLock(absLockFilePath, appID string) (*Lock, error) {
	content, err := newContent(appID)
	if err != nil {
		return nil, err
	}

	if err := writeContentAtomic(absLockFilePath, content); err != nil {
		return nil, err
	}

	// The rename decided the race; the readback tells us who won.
	onDisk, err := readContent(absLockFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}

	if onDisk.PID == content.PID && onDisk.Nonce == content.Nonce {
		plog.Debug("Successfully took over stale lock")
		return newLock(absLockFilePath, content), nil
	}
	return nil, ErrLostRace
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		plog.Debug("Lock released", "path", l.path)
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := writeContentAtomic(l.path, l.content); err != nil {
				// Keep ticking; the next beat may succeed.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// writeContentAtomic writes to a sibling temp file and renames it over
// the lock path, so readers never observe a truncated lock file. The
// temp file must live in the same directory: rename is only atomic
// within one filesystem.
func writeContentAtomic(absLockFilePath string, content LockContent) error {
	dir := filepath.Dir(absLockFilePath)

	tmpF, err := os.CreateTemp(dir, filepath.Base(absLockFilePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}

	defer func() {
		// Gone after a successful rename; only other outcomes matter.
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}

	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}

	// Windows refuses to rename an open file.
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpF.Name(), absLockFilePath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}

	return nil
}

// sweepTempFiles removes temp files left behind by crashed runs. Only
// files unmodified for longer than staleTimeout go; anything younger
// may be a live heartbeat write in flight.
func sweepTempFiles(absLockFilePath string) {
	dir := filepath.Dir(absLockFilePath)
	pattern := filepath.Join(dir, filepath.Base(absLockFilePath)+".*.tmp")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)

	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}

		if info.ModTime().Before(threshold) {
			plog.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()))
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
			}
		}
	}
}

func generateNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return fmt.Sprintf("%x", nonceBytes), nil
}

func writeContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readContent reads the lock file, retrying through the brief windows
// where a concurrent writer leaves it empty or partial. A file that
// stays unreadable across all retries reports ErrCorruptLockFile.
func readContent(absLockFilePath string) (LockContent, error) {
	var lastErr error
	var lastEmptyOrCorruptErr error
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.Open(absLockFilePath)
		if err != nil {
			return LockContent{}, err
		}

		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if len(data) == 0 {
			lastEmptyOrCorruptErr = fmt.Errorf("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		lastEmptyOrCorruptErr = json.Unmarshal(data, &content)
		if lastEmptyOrCorruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		return content, nil
	}

	if lastEmptyOrCorruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastEmptyOrCorruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
