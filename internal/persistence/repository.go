package persistence

import "adaptive-grid-go/internal/models"

// Store defines the interface for grid persistence.
// It abstracts the underlying storage mechanism (JSON files, BadgerDB)
// from the grid engine.
type Store interface {
	// Save atomically replaces the persisted active grids and history.
	Save(active map[string]*models.Grid, history []*models.Grid) error

	// Load returns the persisted grids. Missing data yields an empty map and
	// an empty history, never an error.
	Load() (map[string]*models.Grid, []*models.Grid, error)

	// Close releases the underlying resources.
	Close() error
}

// Open returns the store selected by cfg.Driver: BadgerDB at cfg.BadgerPath,
// or JSON files in dataDir for any other value.
func Open(cfg models.StorageConfig, dataDir string) (Store, error) {
	if cfg.Driver == "badger" {
		return NewBadgerStore(cfg.BadgerPath)
	}
	return NewJSONStore(dataDir)
}
