package persistence

import (
	"adaptive-grid-go/internal/models"
	"encoding/json"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

var (
	gridPrefix    = []byte("asg/grid/")
	historyPrefix = []byte("asg/history/")

	// historyIndexKey holds the ordered ids of the history grids.
	historyIndexKey = []byte("asg/meta/history")
)

// badgerStore is the BadgerDB implementation of the Store.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a BadgerDB database at dbPath.
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger 自带日志关闭, 错误仍通过返回值传递
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %s", dbPath)
	}
	return &badgerStore{db: db}, nil
}

func gridKey(id string) []byte    { return append(append([]byte{}, gridPrefix...), id...) }
func historyKey(id string) []byte { return append(append([]byte{}, historyPrefix...), id...) }

// Save writes the state in a single transaction.
// Active grids live under asg/grid/<id> and are rewritten on every save; stale ones are deleted.
// History grids live under asg/history/<id>. Completed grids never change, so only grids
// new to the history are written and only grids dropped from it are deleted.
func (r *badgerStore) Save(active map[string]*models.Grid, history []*models.Grid) error {
	return r.db.Update(func(txn *badger.Txn) error {
		stale, err := listKeys(txn, gridPrefix)
		if err != nil {
			return err
		}
		for id, g := range active {
			data, err := json.Marshal(g)
			if err != nil {
				return errors.Wrapf(err, "encode grid %s", id)
			}
			if err := txn.Set(gridKey(id), data); err != nil {
				return errors.Wrapf(err, "write grid %s", id)
			}
			delete(stale, id)
		}
		for id := range stale {
			if err := txn.Delete(gridKey(id)); err != nil {
				return errors.Wrapf(err, "delete grid %s", id)
			}
		}

		stored, err := listKeys(txn, historyPrefix)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(history))
		for _, g := range history {
			ids = append(ids, g.ID)
			if _, ok := stored[g.ID]; ok {
				delete(stored, g.ID)
				continue
			}
			data, err := json.Marshal(g)
			if err != nil {
				return errors.Wrapf(err, "encode history grid %s", g.ID)
			}
			if err := txn.Set(historyKey(g.ID), data); err != nil {
				return errors.Wrapf(err, "write history grid %s", g.ID)
			}
		}
		for id := range stored {
			if err := txn.Delete(historyKey(id)); err != nil {
				return errors.Wrapf(err, "delete history grid %s", id)
			}
		}
		index, err := json.Marshal(ids)
		if err != nil {
			return errors.Wrap(err, "encode history index")
		}
		return txn.Set(historyIndexKey, index)
	})
}

// Load reads all grids back. An empty database yields empty results.
func (r *badgerStore) Load() (map[string]*models.Grid, []*models.Grid, error) {
	active := map[string]*models.Grid{}
	history := []*models.Grid{}

	err := r.db.View(func(txn *badger.Txn) error {
		if err := scanPrefix(txn, gridPrefix, func(g *models.Grid) {
			active[g.ID] = g
		}); err != nil {
			return err
		}

		var ids []string
		item, err := txn.Get(historyIndexKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read history index")
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ids) }); err != nil {
			return errors.Wrap(err, "decode history index")
		}
		for _, id := range ids {
			item, err := txn.Get(historyKey(id))
			if err != nil {
				return errors.Wrapf(err, "read history grid %s", id)
			}
			g, err := decodeGrid(item)
			if err != nil {
				return err
			}
			history = append(history, g)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return active, history, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerStore) Close() error {
	return r.db.Close()
}

// listKeys returns the key suffixes under prefix without fetching values.
func listKeys(txn *badger.Txn, prefix []byte) (map[string]struct{}, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	keys := map[string]struct{}{}
	for it.Rewind(); it.Valid(); it.Next() {
		keys[string(it.Item().Key()[len(prefix):])] = struct{}{}
	}
	return keys, nil
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(*models.Grid)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		g, err := decodeGrid(it.Item())
		if err != nil {
			return err
		}
		fn(g)
	}
	return nil
}

func decodeGrid(item *badger.Item) (*models.Grid, error) {
	var g models.Grid
	err := item.Value(func(val []byte) error {
		if len(val) == 0 {
			return errors.Errorf("empty value for key %s", item.Key())
		}
		return errors.Wrapf(json.Unmarshal(val, &g), "decode key %s", item.Key())
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}
