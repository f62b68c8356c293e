package persistence

import (
	"adaptive-grid-go/internal/models"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

const (
	// GridsFile holds active grids keyed by id.
	GridsFile = "asg_grids.json"
	// HistoryFile holds completed grids as an array.
	HistoryFile = "asg_history.json"
)

// jsonStore keeps state in two JSON documents under dir.
type jsonStore struct {
	mu  sync.Mutex
	dir string
}

// NewJSONStore creates the data directory if needed and returns a file backed Store.
func NewJSONStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}
	return &jsonStore{dir: dir}, nil
}

// Save rewrites both files. Each file is written to a temp file and renamed
// over the old one, so readers never see a partial document.
func (s *jsonStore) Save(active map[string]*models.Grid, history []*models.Grid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active == nil {
		active = map[string]*models.Grid{}
	}
	if history == nil {
		history = []*models.Grid{}
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, GridsFile), active); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(s.dir, HistoryFile), history)
}

// Load reads both files; a missing file counts as empty.
func (s *jsonStore) Load() (map[string]*models.Grid, []*models.Grid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := map[string]*models.Grid{}
	if err := readJSON(filepath.Join(s.dir, GridsFile), &active); err != nil {
		return nil, nil, err
	}
	history := []*models.Grid{}
	if err := readJSON(filepath.Join(s.dir, HistoryFile), &history); err != nil {
		return nil, nil, err
	}
	if active == nil {
		active = map[string]*models.Grid{}
	}
	if history == nil {
		history = []*models.Grid{}
	}
	return active, history, nil
}

func (s *jsonStore) Close() error { return nil }

func readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if len(data) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(data, out), "decode %s", path)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrapf(err, "rename %s", tmpName)
	}
	return nil
}
