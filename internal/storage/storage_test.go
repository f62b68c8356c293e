package storage

import (
	"adaptive-grid-go/internal/models"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedGrid(id string, completedAt int64, profit float64) *models.Grid {
	return &models.Grid{
		ID:               id,
		Pair:             "ETHUSDT",
		Direction:        models.Sell,
		StartPrice:       2000,
		Params:           models.GridParams{GridLevels: 3, GridStep: 5},
		Status:           models.GridCompleted,
		CompletionReason: models.ReasonTakeProfit,
		CreatedAt:        completedAt - 60000,
		CompletedAt:      completedAt,
		Stats: models.GridStats{
			FinalProfit:     profit,
			FilledOrders:    2,
			ClosedPositions: 2,
			MaxDrawdown:     -1.5,
			Duration:        60000,
		},
		Positions: []models.Position{
			{ID: id + "_position_1", EntryOrderID: id + "_entry_1", Level: 1, Direction: models.Sell, EntryPrice: 2005, Size: 0.12, Status: models.PositionClosed, OpenTime: 1, CloseTime: 2, ClosePrice: 1997.5, CloseReason: models.ReasonTakeProfit, Profit: 0.9},
			{ID: id + "_position_0", EntryOrderID: id + "_entry_0", Level: 0, Direction: models.Sell, EntryPrice: 2000, Size: 0.1, Status: models.PositionOpen, OpenTime: 1},
		},
	}
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestArchiveAndList(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.ArchiveGrid(completedGrid("grid_a", 1000, 1.5)))
	require.NoError(t, j.ArchiveGrid(completedGrid("grid_b", 3000, -2)))
	require.NoError(t, j.ArchiveGrid(completedGrid("grid_c", 2000, 0.5)))

	grids, err := j.ListGrids(0)
	require.NoError(t, err)
	require.Len(t, grids, 3)
	assert.Equal(t, []string{"grid_b", "grid_c", "grid_a"}, []string{grids[0].ID, grids[1].ID, grids[2].ID})
	assert.Equal(t, models.Sell, grids[0].Direction)
	assert.Equal(t, -2.0, grids[0].FinalProfit)
	assert.Equal(t, int64(60000), grids[0].DurationMs)

	limited, err := j.ListGrids(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestArchiveGrid_PositionsOrderedByLevel(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.ArchiveGrid(completedGrid("grid_a", 1000, 1.5)))

	positions, err := j.ListPositions("grid_a")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, 0, positions[0].Level)
	assert.Equal(t, models.PositionOpen, positions[0].Status)
	assert.Equal(t, 1, positions[1].Level)
	assert.Equal(t, models.ReasonTakeProfit, positions[1].CloseReason)
	assert.Equal(t, 1997.5, positions[1].ClosePrice)
}

func TestArchiveGrid_IsIdempotent(t *testing.T) {
	j := openTestJournal(t)
	g := completedGrid("grid_a", 1000, 1.5)
	require.NoError(t, j.ArchiveGrid(g))

	g.Stats.FinalProfit = 3
	require.NoError(t, j.ArchiveGrid(g))

	grids, err := j.ListGrids(0)
	require.NoError(t, err)
	require.Len(t, grids, 1)
	assert.Equal(t, 3.0, grids[0].FinalProfit)

	positions, err := j.ListPositions("grid_a")
	require.NoError(t, err)
	assert.Len(t, positions, 2)
}
