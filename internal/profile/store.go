package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ambush/internal/lockfile"
	"ambush/internal/logger"
	"ambush/internal/pkg/atomicfile"
)

// DefaultHistoryKeep is how many prior versions of a profile are retained
// for manual recovery.
const DefaultHistoryKeep = 5

const (
	profileSuffix  = ".json"
	historyDirName = "history"
)

var (
	// ErrNotFound means no profile file exists under that name.
	ErrNotFound = errors.New("profile not found")
	// ErrNotLocked means Save was called without holding the profile lock.
	ErrNotLocked = errors.New("profile not locked by this process")
)

// Store persists aggregates as one JSON file per profile under dir, with
// lock files colocated and prior versions archived under history/. Reads are
// lock-free; Save demands the store's holder identity owns the lock.
type Store struct {
	dir        string
	historyDir string
	guard      *lockfile.Guard
	holder     string
	keep       int

	nowFn func() time.Time
	mu    sync.Mutex
}

// NewStore creates the profile directory layout and binds the store to a
// guard. keep <= 0 selects DefaultHistoryKeep.
func NewStore(dir string, guard *lockfile.Guard, keep int) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("profile dir must not be empty")
	}
	if guard == nil {
		return nil, fmt.Errorf("profile store requires a lock guard")
	}
	if keep <= 0 {
		keep = DefaultHistoryKeep
	}
	historyDir := filepath.Join(dir, historyDirName)
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating profile dirs: %w", err)
	}
	return &Store{
		dir:        dir,
		historyDir: historyDir,
		guard:      guard,
		holder:     lockfile.HolderID(),
		keep:       keep,
		nowFn:      time.Now,
	}, nil
}

// Dir returns the profile directory.
func (s *Store) Dir() string { return s.dir }

// Holder returns the lock identity this store acquires and saves under.
func (s *Store) Holder() string { return s.holder }

// Guard returns the lock guard the store checks against.
func (s *Store) Guard() *lockfile.Guard { return s.guard }

// Path returns the canonical file for a profile name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+profileSuffix)
}

// Load reads and validates one profile. Unknown fields in the file are
// ignored. The lock is not required for reading.
func (s *Store) Load(name string) (*Aggregate, error) {
	if err := checkProfileName(name); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("reading profile %s: %w", name, err)
	}

	schema, err := aggregateSchema()
	if err != nil {
		return nil, fmt.Errorf("profile schema unavailable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("profile %s is not valid JSON: %w", name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("profile %s failed validation: %w", name, err)
	}

	var agg Aggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("decoding profile %s: %w", name, err)
	}
	// The filename is authoritative for the profile identity.
	agg.Name = name
	return &agg, nil
}

// List returns lock-free summaries of every readable profile, sorted by
// name. Unreadable files are skipped with a warning.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scanning profile dir %s: %w", s.dir, err)
	}
	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), profileSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), profileSuffix)
		agg, err := s.Load(name)
		if err != nil {
			logger.Warnf("Profile: skipping %s in listing: %v", name, err)
			continue
		}
		summary := agg.Summarize()
		locked, err := s.guard.IsLocked(name)
		if err == nil && locked {
			held, hErr := s.guard.HeldBy(name, s.holder)
			summary.LockedElsewhere = hErr == nil && !held
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries, nil
}

// Save persists the aggregate. The caller must hold the profile lock under
// this store's holder identity, otherwise ErrNotLocked. The previous version
// is archived to history/ before the canonical file is atomically replaced,
// and history beyond the keep bound is pruned after a successful write.
func (s *Store) Save(agg *Aggregate) error {
	if agg == nil {
		return fmt.Errorf("cannot save a nil profile")
	}
	if err := checkProfileName(agg.Name); err != nil {
		return err
	}
	held, err := s.guard.HeldBy(agg.Name, s.holder)
	if err != nil {
		return fmt.Errorf("checking lock for %s: %w", agg.Name, err)
	}
	if !held {
		return fmt.Errorf("%w: %s", ErrNotLocked, agg.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg.SchemaVersion = SchemaVersion
	agg.UpdatedAt = s.nowFn().UTC()
	if agg.Operations == nil {
		agg.Operations = []Operation{}
	}
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding profile %s: %w", agg.Name, err)
	}
	data = append(data, '\n')

	path := s.Path(agg.Name)
	prior, readErr := os.ReadFile(path)
	if readErr != nil && !os.IsNotExist(readErr) {
		return fmt.Errorf("reading prior version of %s: %w", agg.Name, readErr)
	}
	if readErr == nil {
		if err := s.archive(agg.Name, prior); err != nil {
			return err
		}
	}

	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return fmt.Errorf("writing profile %s: %w", agg.Name, err)
	}
	if err := s.pruneHistory(agg.Name); err != nil {
		logger.Warnf("Profile: history prune for %s failed: %v", agg.Name, err)
	}
	logger.Infof("Profile: saved %s (%d operations, %d active)",
		agg.Name, len(agg.Operations), agg.Summarize().ActiveCount)
	return nil
}

func (s *Store) archive(name string, prior []byte) error {
	dst := filepath.Join(s.historyDir, fmt.Sprintf("%s.%d%s", name, s.nowFn().UnixNano(), profileSuffix))
	if err := atomicfile.Write(dst, prior, 0o644); err != nil {
		return fmt.Errorf("archiving prior version of %s: %w", name, err)
	}
	return nil
}

// History returns the archived version files for a profile, newest first.
func (s *Store) History(name string) ([]string, error) {
	if err := checkProfileName(name); err != nil {
		return nil, err
	}
	stamps, err := s.historyStamps(name)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(stamps))
	for i := len(stamps) - 1; i >= 0; i-- {
		files = append(files, filepath.Join(s.historyDir, historyFileName(name, stamps[i])))
	}
	return files, nil
}

func (s *Store) pruneHistory(name string) error {
	stamps, err := s.historyStamps(name)
	if err != nil {
		return err
	}
	for len(stamps) > s.keep {
		victim := historyFileName(name, stamps[0])
		if err := os.Remove(filepath.Join(s.historyDir, victim)); err != nil && !os.IsNotExist(err) {
			return err
		}
		stamps = stamps[1:]
	}
	return nil
}

// historyStamps returns the archive timestamps for name, oldest first.
func (s *Store) historyStamps(name string) ([]int64, error) {
	entries, err := os.ReadDir(s.historyDir)
	if err != nil {
		return nil, fmt.Errorf("scanning history dir: %w", err)
	}
	prefix := name + "."
	var stamps []int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), profileSuffix) {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), prefix), profileSuffix)
		stamp, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			// Not this profile's archive, e.g. history of "a.b" seen from "a".
			continue
		}
		stamps = append(stamps, stamp)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	return stamps, nil
}

func historyFileName(name string, stamp int64) string {
	return fmt.Sprintf("%s.%d%s", name, stamp, profileSuffix)
}

func checkProfileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("profile name must not be empty")
	}
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("profile name %q must be a bare name", name)
	}
	return nil
}
