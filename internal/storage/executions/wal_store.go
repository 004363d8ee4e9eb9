package executions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./wal/executions"
	segmentLimit = 500
	maxSegments  = 20

	keyPrefix = "execution_"
)

var errNotInitialized = errors.New("execution store is not initialized")

// WALStore journals execution results in a WAL. Older segments are rotated
// away, so the journal is a bounded local history, not a ledger of record.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens or creates the journal in dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "execution_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init execution WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save appends one result and returns its index.
func (s *WALStore) Save(result domain.ExecutionResult) (uint64, error) {
	if s == nil || s.wal == nil {
		return 0, errNotInitialized
	}
	if result.AccountID == "" {
		return 0, fmt.Errorf("execution result account id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.wal.CurrentIndex() + 1
	payload, err := json.Marshal(domain.ExecutionRecord{Index: idx, Result: result})
	if err != nil {
		return 0, errors.Wrap(err, "marshal execution result")
	}
	if err := s.wal.Write(idx, keyPrefix+result.AccountID, payload); err != nil {
		return 0, errors.Wrap(err, "write execution result")
	}
	return idx, nil
}

// EventsAfter returns up to limit records written after index, oldest first.
// A limit of zero or less returns everything.
func (s *WALStore) EventsAfter(index uint64, limit int) ([]domain.ExecutionRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errNotInitialized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.ExecutionRecord, 0)
	// rotated segments are gone, so indexes are read from the records themselves
	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, keyPrefix) {
			continue
		}

		var record domain.ExecutionRecord
		if err := json.Unmarshal(msg.Value, &record); err != nil {
			return nil, errors.Wrapf(err, "decode execution record %s", msg.Key)
		}
		// the iterator is drained even past the limit
		if record.Index <= index || (limit > 0 && len(records) >= limit) {
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

// CurrentIndex returns the latest index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
