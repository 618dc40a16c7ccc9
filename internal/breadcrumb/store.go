// Package breadcrumb persists one small JSON record per live extent so that a
// restarted daemon can map kernel artifacts back to extent indices.
package breadcrumb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

const (
	stateFile  = "pool.json"
	recordPerm = 0600
	dirPerm    = 0700
)

var recordName = regexp.MustCompile(`^extent_([0-9]+)\.json$`)

// Store keeps records under <work_dir>/<pool>/.
type Store struct {
	dir    string
	logger *utils.StructuredLogger
	mu     sync.Mutex
}

// NewStore returns a store for one pool. The directory is created lazily.
func NewStore(workDir, pool string, logger *utils.StructuredLogger) (*Store, error) {
	dir, err := utils.SecureJoin(workDir, pool)
	if err != nil {
		return nil, fmt.Errorf("invalid breadcrumb directory: %w", err)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Store{dir: dir, logger: logger.WithComponent("breadcrumb")}, nil
}

// Dir returns the directory holding the records.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) recordPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("extent_%d.json", index))
}

// Save durably writes the record for rec.Index, replacing any previous one.
func (s *Store) Save(rec types.Record) error {
	if rec.Index <= 0 {
		return errors.NewError(errors.ErrCodeInvalidState, "record index must be positive").
			WithComponent("breadcrumb").WithOperation("save")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.recordPath(rec.Index), rec)
}

// writeJSON writes v to path through a synced temporary file and rename.
func (s *Store) writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("create breadcrumb directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := tmp.Chmod(recordPerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Remove deletes the record for index. Removing a missing record succeeds.
func (s *Store) Remove(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.recordPath(index)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether a record for index is on disk.
func (s *Store) Exists(index int) bool {
	_, err := os.Stat(s.recordPath(index))
	return err == nil
}

// Load returns all readable records sorted by index. Unparseable records
// are logged and deleted; they describe no artifact that can be trusted.
func (s *Store) Load() ([]types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []types.Record
	for _, entry := range entries {
		m := recordName.FindStringSubmatch(entry.Name())
		if m == nil || entry.IsDir() {
			continue
		}
		index, _ := strconv.Atoi(m[1])
		path := filepath.Join(s.dir, entry.Name())

		rec, err := readRecord(path)
		if err == nil && rec.Index != index {
			err = fmt.Errorf("record index %d does not match file name", rec.Index)
		}
		if err != nil {
			s.logger.Warn("discarding corrupt breadcrumb", map[string]interface{}{
				"file":  path,
				"error": err,
			})
			_ = os.Remove(path)
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Index < records[j].Index })
	return records, nil
}

func readRecord(path string) (types.Record, error) {
	var rec types.Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, errors.Wrap(err, errors.ErrCodeBreadcrumbCorrupt, "invalid breadcrumb")
	}
	return rec, nil
}

// SaveState atomically writes a pool snapshot next to the records.
func (s *Store) SaveState(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.dir, stateFile), v)
}

// LoadState decodes the pool snapshot into v.
func (s *Store) LoadState(v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Clear removes every record, the pool snapshot and the directory itself.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return err
	}
	return nil
}
