// Package quickedit serializes short writes to a volume while the gadget
// is in present mode.
//
// The lock is a record file created with O_EXCL; its existence means a
// session is active. It is advisory: every writer must go through Manager.
// A record older than the staleness threshold belongs to a crashed holder
// and is reclaimed by the next Acquire.
package quickedit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/mphacker/TeslaUSB-sub000/internal/mode"
)

const (
	DefaultWait         = 10 * time.Second
	DefaultStaleAfter   = 120 * time.Second
	defaultPollInterval = 500 * time.Millisecond

	// reclaimGuardStale is how long a reclaim guard left by a crashed
	// process blocks other reclaimers.
	reclaimGuardStale = 10 * time.Second
)

// Record is the content of the lock file.
type Record struct {
	Holder string `json:"holder"`
	Volume string `json:"volume"`
	// AcquiredAt is UTC epoch seconds.
	AcquiredAt int64  `json:"acquired_at"`
	Token      string `json:"token"`
}

// Age returns how long ago the lock was acquired, in whole seconds.
// AcquiredAt has second resolution, so now is truncated the same way.
func (r *Record) Age(now time.Time) time.Duration {
	return time.Duration(now.Unix()-r.AcquiredAt) * time.Second
}

// Token is held by the owner of the lock.
type Token struct {
	ID         string
	Volume     string
	Holder     string
	AcquiredAt time.Time
	// Reclaimed is the stale record this acquisition replaced, if any.
	Reclaimed *Record
}

// LockBusyError is returned when another session holds a fresh lock.
// Callers retry later or report the operation as in progress.
type LockBusyError struct {
	Holder string
	Volume string
	Age    time.Duration
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("quick-edit lock held by %s on volume %s for %s", e.Holder, e.Volume, e.Age.Round(time.Second))
}

// Code returns the error code for programmatic handling.
func (e *LockBusyError) Code() mode.ErrorCode {
	return mode.ErrCodeLockBusy
}

// Is classifies the error as errdefs.ErrUnavailable.
func (e *LockBusyError) Is(target error) bool {
	return target == errdefs.ErrUnavailable
}

// Manager owns the lock file.
type Manager struct {
	path       string
	staleAfter time.Duration
	poll       time.Duration
	now        func() time.Time
}

// Opt configures a Manager.
type Opt func(*Manager)

// WithStaleAfter sets the age beyond which a lock is reclaimable.
func WithStaleAfter(d time.Duration) Opt {
	return func(m *Manager) {
		m.staleAfter = d
	}
}

// WithPollInterval sets how often Acquire retries a held lock.
func WithPollInterval(d time.Duration) Opt {
	return func(m *Manager) {
		m.poll = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Opt {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager for the lock file at path.
func NewManager(path string, opts ...Opt) *Manager {
	m := &Manager{
		path:       path,
		staleAfter: DefaultStaleAfter,
		poll:       defaultPollInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the lock file location.
func (m *Manager) Path() string {
	return m.path
}

// IsStale reports whether r was abandoned.
func (m *Manager) IsStale(r *Record, now time.Time) bool {
	return r.Age(now) > m.staleAfter
}

// Inspect returns the current lock record, or nil when the lock is free.
func (m *Manager) Inspect() (*Record, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read quick-edit lock: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("corrupt quick-edit lock %s: %w", m.path, err)
	}
	return &r, nil
}

// CheckFree returns a LockBusyError while a fresh lock is held.
func (m *Manager) CheckFree(ctx context.Context) error {
	r, err := m.Inspect()
	if err != nil || r == nil {
		return err
	}
	now := m.now()
	if m.IsStale(r, now) {
		return nil
	}
	return &LockBusyError{Holder: r.Holder, Volume: r.Volume, Age: r.Age(now)}
}

// Acquire takes the lock for volume on behalf of holder, polling for up to
// wait while another session holds it.
func (m *Manager) Acquire(ctx context.Context, volume, holder string, wait time.Duration) (*Token, error) {
	var (
		tok  *Token
		busy *LockBusyError
	)
	op := func() error {
		var err error
		tok, busy, err = m.tryAcquire(ctx, volume, holder)
		if err != nil {
			return backoff.Permanent(err)
		}
		if busy != nil {
			return busy
		}
		return nil
	}

	retries := uint64(0)
	if m.poll > 0 {
		retries = uint64(wait / m.poll)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.poll), retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if busy != nil {
			return nil, busy
		}
		return nil, err
	}

	log.G(ctx).WithFields(log.Fields{
		"holder": holder,
		"volume": volume,
		"token":  tok.ID,
	}).Info("acquired quick-edit lock")
	return tok, nil
}

// tryAcquire makes one attempt. A fresh lock held by someone else is
// reported through busy.
func (m *Manager) tryAcquire(ctx context.Context, volume, holder string) (*Token, *LockBusyError, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	var reclaimed *Record
	// The second pass follows a reclamation or a holder releasing between
	// our create and read.
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := m.create(volume, holder)
		if err == nil {
			tok.Reclaimed = reclaimed
			return tok, nil, nil
		}
		if !os.IsExist(err) {
			return nil, nil, fmt.Errorf("failed to create quick-edit lock: %w", err)
		}

		prev, stale, err := m.existing()
		if err != nil {
			return nil, nil, err
		}
		if prev == nil {
			continue
		}
		now := m.now()
		if !stale {
			return nil, &LockBusyError{Holder: prev.Holder, Volume: prev.Volume, Age: prev.Age(now)}, nil
		}
		ok, err := m.reclaim(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, &LockBusyError{Holder: prev.Holder, Volume: prev.Volume, Age: prev.Age(now)}, nil
		}
		reclaimed = prev
		log.G(ctx).WithFields(log.Fields{
			"holder": prev.Holder,
			"volume": prev.Volume,
			"age":    prev.Age(now).Round(time.Second),
		}).Warn("reclaimed stale quick-edit lock")
	}
	return nil, &LockBusyError{Holder: "unknown", Volume: volume}, nil
}

func (m *Manager) create(volume, holder string) (*Token, error) {
	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	now := m.now()
	r := Record{
		Holder:     holder,
		Volume:     volume,
		AcquiredAt: now.Unix(),
		Token:      uuid.NewString(),
	}
	data, err := json.Marshal(r)
	if err == nil {
		_, err = f.Write(append(data, '\n'))
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(m.path)
		return nil, fmt.Errorf("failed to write quick-edit lock: %w", err)
	}

	return &Token{
		ID:         r.Token,
		Volume:     volume,
		Holder:     holder,
		AcquiredAt: time.Unix(r.AcquiredAt, 0),
	}, nil
}

// existing reads the current record. A record that cannot be parsed, for
// example one left half-written by a crash, is judged by the file's
// modification time. prev is nil when the lock vanished meanwhile.
func (m *Manager) existing() (prev *Record, stale bool, err error) {
	fi, err := os.Stat(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	r, err := m.Inspect()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		r = &Record{Holder: "unknown", AcquiredAt: fi.ModTime().Unix()}
	}
	if r == nil {
		return nil, false, nil
	}
	return r, m.IsStale(r, m.now()), nil
}

// reclaim removes a stale record. Reclaimers are serialized by a guard
// file and re-read the record while holding it, so a lock another
// reclaimer already replaced is left alone. It reports false when the
// record is fresh again or another reclaim is in progress.
func (m *Manager) reclaim(ctx context.Context) (bool, error) {
	unlock, ok, err := m.reclaimGuard(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer unlock()

	cur, stale, err := m.existing()
	if err != nil {
		return false, err
	}
	if cur == nil {
		return true, nil
	}
	if !stale {
		return false, nil
	}

	// The file is moved aside rather than removed so that a lock created
	// after the read above can be put back.
	aside := fmt.Sprintf("%s.stale-%s", m.path, uuid.NewString())
	if err := os.Rename(m.path, aside); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to reclaim quick-edit lock: %w", err)
	}
	defer os.Remove(aside)

	data, err := os.ReadFile(aside)
	if err != nil {
		return true, nil
	}
	var moved Record
	if json.Unmarshal(data, &moved) != nil || moved.Token == cur.Token || m.IsStale(&moved, m.now()) {
		return true, nil
	}
	if err := os.Link(aside, m.path); err != nil {
		if !os.IsExist(err) {
			return false, fmt.Errorf("failed to restore quick-edit lock: %w", err)
		}
		log.G(ctx).WithFields(log.Fields{
			"holder": moved.Holder,
			"volume": moved.Volume,
			"token":  moved.Token,
		}).Error("quick-edit lock replaced while reclaiming; two sessions may hold it")
	}
	return false, nil
}

// reclaimGuard takes the reclaim guard. ok is false while another process
// holds it; a guard older than reclaimGuardStale is removed so the next
// attempt can take it.
func (m *Manager) reclaimGuard(ctx context.Context) (unlock func(), ok bool, err error) {
	path := m.path + ".reclaim"
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		f.Close()
		return func() { os.Remove(path) }, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, fmt.Errorf("failed to create reclaim guard: %w", err)
	}
	if fi, serr := os.Stat(path); serr == nil && time.Since(fi.ModTime()) > reclaimGuardStale {
		log.G(ctx).WithField("guard", path).Warn("removing abandoned reclaim guard")
		os.Remove(path)
	}
	return nil, false, nil
}

// Release deletes the lock record. It is idempotent and does not check
// ownership.
func (m *Manager) Release(ctx context.Context, tok *Token) error {
	entry := log.G(ctx).WithField("lock", m.path)
	if tok != nil {
		entry = entry.WithFields(log.Fields{"holder": tok.Holder, "token": tok.ID})
		if r, err := m.Inspect(); err == nil && r != nil && r.Token != tok.ID {
			entry.WithField("current", r.Token).Warn("releasing quick-edit lock held by another token")
		}
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release quick-edit lock: %w", err)
	}
	entry.Info("released quick-edit lock")
	return nil
}
