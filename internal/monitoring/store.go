package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"upbit-trading-bot/internal/cache"
	"upbit-trading-bot/internal/logging"
)

// Record is the persisted monitoring entry of one holding
type Record struct {
	Market              string  `json:"market"`
	EntryPrice          float64 `json:"entryPrice"`
	ProtectiveSellPrice float64 `json:"protectiveSellPrice"`
}

// Mirror receives every saved snapshot, e.g. a Redis hash
type Mirror interface {
	ReplaceHash(ctx context.Context, key string, fields map[string]string) error
}

// Store is the monitoring file: a JSON object keyed by market.
// Excluded coins are dropped on every write.
type Store struct {
	path     string
	excluded map[string]struct{}
	mirror   Mirror
	logger   *logging.Logger

	mu      sync.RWMutex
	records map[string]Record
}

// NewStore creates a store backed by path
func NewStore(path string, excluded []string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		path:    path,
		logger:  logger.WithComponent("monitoring"),
		records: make(map[string]Record),
	}
	s.SetExcluded(excluded)
	return s
}

// SetMirror attaches a snapshot mirror
func (s *Store) SetMirror(m Mirror) {
	s.mu.Lock()
	s.mirror = m
	s.mu.Unlock()
}

// SetExcluded replaces the excluded market list
func (s *Store) SetExcluded(markets []string) {
	ex := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		ex[m] = struct{}{}
	}
	s.mu.Lock()
	s.excluded = ex
	for m := range s.records {
		if _, bad := ex[m]; bad {
			delete(s.records, m)
		}
	}
	s.mu.Unlock()
}

// Path returns the file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the file. A missing file is an empty store.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read monitoring file: %w", err)
	}

	records := make(map[string]Record)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("parse monitoring file: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record, len(records))
	for m, r := range records {
		if _, bad := s.excluded[m]; bad {
			continue
		}
		if r.Market == "" {
			r.Market = m
		}
		s.records[m] = r
	}
	return nil
}

// Put adds or replaces a record. Excluded markets are ignored.
func (s *Store) Put(r Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, bad := s.excluded[r.Market]; bad {
		return false
	}
	s.records[r.Market] = r
	return true
}

// Get returns the record of market
func (s *Store) Get(market string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[market]
	return r, ok
}

// Delete drops the record of market
func (s *Store) Delete(market string) {
	s.mu.Lock()
	delete(s.records, market)
	s.mu.Unlock()
}

// Retain drops every record whose market is not in keep
func (s *Store) Retain(keep map[string]bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	for m := range s.records {
		if !keep[m] {
			delete(s.records, m)
			dropped = append(dropped, m)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// All returns a copy of every record
func (s *Store) All() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for m, r := range s.records {
		out[m] = r
	}
	return out
}

// Save writes the records atomically: temp file in the same directory,
// fsync, then rename over the target
func (s *Store) Save(ctx context.Context) error {
	s.mu.RLock()
	snapshot := make(map[string]Record, len(s.records))
	for m, r := range s.records {
		if _, bad := s.excluded[m]; bad {
			continue
		}
		snapshot[m] = r
	}
	mirror := s.mirror
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode monitoring records: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}

	if mirror != nil {
		fields := make(map[string]string, len(snapshot))
		for m, r := range snapshot {
			b, _ := json.Marshal(r)
			fields[m] = string(b)
		}
		if err := mirror.ReplaceHash(ctx, cache.KeyMonitoring, fields); err != nil {
			s.logger.Warn("monitoring mirror update failed", "error", err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create monitoring dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace monitoring file: %w", err)
	}
	return nil
}
