// Package lockfile provides advisory, crash-tolerant file locks for named
// resources. A lock is a small JSON record next to the resource it protects;
// records older than the stale timeout or held by a dead process are treated
// as free.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"ambush/internal/logger"
	"ambush/internal/pkg/atomicfile"
)

// DefaultStaleTimeout is how old a lock record may grow before any caller
// may take it over regardless of the holder.
const DefaultStaleTimeout = 5 * time.Minute

const lockSuffix = ".lock"

var errBadRecord = errors.New("unreadable lock record")

// Record is the durable lock state for one resource.
type Record struct {
	Resource     string `json:"resource"`
	Holder       string `json:"holder"`
	PID          int    `json:"pid"`
	Host         string `json:"host"`
	AcquiredAtMs int64  `json:"acquired_at_ms"`
}

// AcquiredAt returns the acquisition time of the record.
func (r Record) AcquiredAt() time.Time {
	return time.UnixMilli(r.AcquiredAtMs)
}

// Guard hands out locks stored as one file per resource under a single
// directory. It is safe for concurrent use within a process; across
// processes exclusivity rests on the atomic claim of the lock file.
type Guard struct {
	dir          string
	staleTimeout time.Duration
	host         string
	audit        *Audit

	nowFn   func() time.Time
	aliveFn func(pid int) bool

	mu sync.Mutex
}

// NewGuard creates a guard rooted at dir, creating the directory if needed.
// A non-positive staleTimeout selects DefaultStaleTimeout.
func NewGuard(dir string, staleTimeout time.Duration) (*Guard, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("lock dir must not be empty")
	}
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir %s: %w", dir, err)
	}
	host, _ := os.Hostname()
	return &Guard{
		dir:          dir,
		staleTimeout: staleTimeout,
		host:         host,
		nowFn:        time.Now,
		aliveFn:      processAlive,
	}, nil
}

// SetAudit wires the sqlite audit sidecar. Nil disables auditing.
func (g *Guard) SetAudit(a *Audit) {
	g.audit = a
}

// HolderID builds a holder identity for the current process in the form
// host:pid:token.
func HolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Acquire takes the lock on resource for holder. It reports false, without
// mutating anything, when a live lock belongs to a different holder.
// Re-acquiring a lock already held by the same holder is a no-op success.
// Stale and unreadable records are removed and taken over.
func (g *Guard) Acquire(resource, holder string) (bool, error) {
	if err := checkResource(resource); err != nil {
		return false, err
	}
	if strings.TrimSpace(holder) == "" {
		return false, fmt.Errorf("holder must not be empty")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	// Two passes: the first may clear a stale record and try to claim; if a
	// rival claims in between, the second pass inspects the winner.
	for pass := 0; pass < 2; pass++ {
		rec, err := g.read(resource)
		if err != nil && !os.IsNotExist(err) && !errors.Is(err, errBadRecord) {
			return false, err
		}
		stolenFrom := ""
		switch {
		case err == nil && !g.isStale(*rec):
			if rec.Holder == holder {
				return true, nil
			}
			logger.Debugf("Lock: %s held by %s, denied for %s", resource, rec.Holder, holder)
			return false, nil
		case err == nil:
			stolenFrom = rec.Holder
			fallthrough
		case errors.Is(err, errBadRecord):
			if rmErr := os.Remove(g.path(resource)); rmErr != nil && !os.IsNotExist(rmErr) {
				return false, fmt.Errorf("removing stale lock %s: %w", resource, rmErr)
			}
		}

		claimed, err := g.claim(resource, holder)
		if err != nil {
			return false, err
		}
		if claimed {
			if stolenFrom != "" {
				logger.Warnf("Lock: %s stolen from stale holder %s by %s", resource, stolenFrom, holder)
				g.recordAudit(AuditSteal, resource, holder, stolenFrom)
			} else {
				logger.Debugf("Lock: %s acquired by %s", resource, holder)
				g.recordAudit(AuditAcquire, resource, holder, "")
			}
			return true, nil
		}
	}
	return false, nil
}

// Release drops the lock on resource. A missing lock counts as released.
func (g *Guard) Release(resource string) error {
	if err := checkResource(resource); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	holder := ""
	if rec, err := g.read(resource); err == nil {
		holder = rec.Holder
	}
	err := os.Remove(g.path(resource))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("releasing lock %s: %w", resource, err)
	}
	logger.Debugf("Lock: %s released by %s", resource, holder)
	g.recordAudit(AuditRelease, resource, holder, "")
	return nil
}

// IsLocked reports whether resource has a live lock record.
func (g *Guard) IsLocked(resource string) (bool, error) {
	if err := checkResource(resource); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.read(resource)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, errBadRecord) {
			return false, nil
		}
		return false, err
	}
	return !g.isStale(*rec), nil
}

// HeldBy reports whether resource is currently locked by holder.
func (g *Guard) HeldBy(resource, holder string) (bool, error) {
	if err := checkResource(resource); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.read(resource)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, errBadRecord) {
			return false, nil
		}
		return false, err
	}
	return rec.Holder == holder && !g.isStale(*rec), nil
}

// Inspect returns the current record for resource, or nil when no lock file
// exists. Staleness is not evaluated; the record is returned as stored.
func (g *Guard) Inspect(resource string) (*Record, error) {
	if err := checkResource(resource); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.read(resource)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, errBadRecord) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// CleanupStale removes every stale or unreadable lock under the guard
// directory and returns how many were removed. Live locks are untouched.
func (g *Guard) CleanupStale() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return 0, fmt.Errorf("scanning lock dir %s: %w", g.dir, err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		resource := strings.TrimSuffix(entry.Name(), lockSuffix)
		rec, err := g.read(resource)
		stale := false
		switch {
		case err == nil:
			stale = g.isStale(*rec)
		case errors.Is(err, errBadRecord):
			stale = true
		case os.IsNotExist(err):
			continue
		default:
			return removed, err
		}
		if !stale {
			continue
		}
		if err := os.Remove(g.path(resource)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing stale lock %s: %w", resource, err)
		}
		removed++
		holder := ""
		if rec != nil {
			holder = rec.Holder
		}
		g.recordAudit(AuditCleanup, resource, holder, "")
	}
	if removed > 0 {
		logger.Infof("Lock: cleaned up %d stale lock(s)", removed)
	}
	return removed, nil
}

func (g *Guard) path(resource string) string {
	return filepath.Join(g.dir, resource+lockSuffix)
}

func (g *Guard) read(resource string) (*Record, error) {
	data, err := os.ReadFile(g.path(resource))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRecord, err)
	}
	return &rec, nil
}

func (g *Guard) claim(resource, holder string) (bool, error) {
	rec := Record{
		Resource:     resource,
		Holder:       holder,
		PID:          os.Getpid(),
		Host:         g.host,
		AcquiredAtMs: g.nowFn().UnixMilli(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encoding lock record: %w", err)
	}
	data = append(data, '\n')
	claimed, err := atomicfile.Create(g.path(resource), data, 0o644)
	if err != nil {
		return false, fmt.Errorf("writing lock %s: %w", resource, err)
	}
	return claimed, nil
}

// isStale applies the age rule, then the liveness rule for records written
// on this host. Foreign-host records are judged by age alone.
func (g *Guard) isStale(rec Record) bool {
	if g.nowFn().Sub(rec.AcquiredAt()) > g.staleTimeout {
		return true
	}
	if rec.Host != "" && rec.Host != g.host {
		return false
	}
	return !g.aliveFn(rec.PID)
}

func (g *Guard) recordAudit(kind, resource, holder, detail string) {
	if g.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.audit.Record(ctx, AuditEntry{
		Kind:     kind,
		Resource: resource,
		Holder:   holder,
		Detail:   detail,
		At:       g.nowFn(),
	}); err != nil {
		logger.Warnf("Lock: audit write failed: %v", err)
	}
}

func checkResource(resource string) error {
	if strings.TrimSpace(resource) == "" {
		return fmt.Errorf("resource must not be empty")
	}
	if resource != filepath.Base(resource) || strings.ContainsAny(resource, `/\`) {
		return fmt.Errorf("resource %q must be a bare name", resource)
	}
	return nil
}

// processAlive reports whether pid is confirmed running. Any indeterminate
// result counts as not alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
