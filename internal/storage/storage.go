package storage

import (
	"adaptive-grid-go/internal/models"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// ArchivedGrid is one row of the grids table.
type ArchivedGrid struct {
	Seq              int64
	ID               string
	Pair             string
	Direction        models.Side
	StartPrice       float64
	GridLevels       int
	GridStep         float64
	CompletionReason string
	FinalProfit      float64
	FilledOrders     int
	ClosedPositions  int
	MaxDrawdown      float64
	CreatedAt        int64
	CompletedAt      int64
	DurationMs       int64
}

// Journal archives completed grids into SQLite for reporting.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens the database at dataSourceName and prepares the schema.
func OpenJournal(dataSourceName string) (*Journal, error) {
	db, err := InitDB(dataSourceName)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// DB exposes the underlying handle.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// ArchiveGrid stores a completed grid and its positions.
func (j *Journal) ArchiveGrid(g *models.Grid) error { return ArchiveGrid(j.db, g) }

// ListGrids returns archived grids, newest first. limit <= 0 means all.
func (j *Journal) ListGrids(limit int) ([]ArchivedGrid, error) { return ListGrids(j.db, limit) }

// ListPositions returns the archived positions of a grid.
func (j *Journal) ListPositions(gridID string) ([]models.Position, error) {
	return ListPositions(j.db, gridID)
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// 每个已完成网格一行
	createGridsTableSQL := `
	CREATE TABLE IF NOT EXISTS grids (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		pair TEXT NOT NULL,
		direction TEXT NOT NULL,
		start_price REAL NOT NULL,
		grid_levels INTEGER NOT NULL,
		grid_step REAL NOT NULL,
		completion_reason TEXT NOT NULL,
		final_profit REAL NOT NULL,
		filled_orders INTEGER NOT NULL,
		closed_positions INTEGER NOT NULL,
		max_drawdown REAL NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);`
	if _, err := db.Exec(createGridsTableSQL); err != nil {
		return err
	}

	createPositionsTableSQL := `
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		grid_id TEXT NOT NULL,
		entry_order_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		size REAL NOT NULL,
		status TEXT NOT NULL,
		open_time INTEGER NOT NULL,
		close_time INTEGER,
		close_price REAL,
		close_reason TEXT,
		profit REAL NOT NULL
	);`
	if _, err := db.Exec(createPositionsTableSQL); err != nil {
		return err
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_positions_grid ON positions(grid_id);`); err != nil {
		return err
	}

	createMetadataTableSQL := `
	CREATE TABLE IF NOT EXISTS journal_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(createMetadataTableSQL); err != nil {
		return err
	}

	// 归档序号计数器
	_, err := db.Exec(`INSERT OR IGNORE INTO journal_metadata (key, value) VALUES ('archive_counter', '0');`)
	return err
}

// ArchiveGrid inserts or replaces a completed grid and its positions in one transaction.
func ArchiveGrid(db *sql.DB, g *models.Grid) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback() // Rollback on any error

	seq, err := nextArchiveSeq(tx)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
	INSERT INTO grids (id, seq, pair, direction, start_price, grid_levels, grid_step, completion_reason,
		final_profit, filled_orders, closed_positions, max_drawdown, created_at, completed_at, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		completion_reason = excluded.completion_reason,
		final_profit = excluded.final_profit,
		filled_orders = excluded.filled_orders,
		closed_positions = excluded.closed_positions,
		max_drawdown = excluded.max_drawdown,
		completed_at = excluded.completed_at,
		duration_ms = excluded.duration_ms;`,
		g.ID, seq, g.Pair, string(g.Direction), g.StartPrice, g.Params.GridLevels, g.Params.GridStep, g.CompletionReason,
		g.Stats.FinalProfit, g.Stats.FilledOrders, g.Stats.ClosedPositions, g.Stats.MaxDrawdown,
		g.CreatedAt, g.CompletedAt, g.Stats.Duration,
	)
	if err != nil {
		return fmt.Errorf("failed to insert grid %s: %w", g.ID, err)
	}

	if _, err = tx.Exec(`DELETE FROM positions WHERE grid_id = ?`, g.ID); err != nil {
		return fmt.Errorf("failed to clear positions of grid %s: %w", g.ID, err)
	}
	for _, p := range g.Positions {
		_, err = tx.Exec(`
		INSERT INTO positions (id, grid_id, entry_order_id, level, direction, entry_price, size, status,
			open_time, close_time, close_price, close_reason, profit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, g.ID, p.EntryOrderID, p.Level, string(p.Direction), p.EntryPrice, p.Size, string(p.Status),
			p.OpenTime, p.CloseTime, p.ClosePrice, p.CloseReason, p.Profit,
		)
		if err != nil {
			return fmt.Errorf("failed to insert position %s: %w", p.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive of grid %s: %w", g.ID, err)
	}
	return nil
}

// nextArchiveSeq atomically retrieves and increments the archive counter.
func nextArchiveSeq(tx *sql.Tx) (int64, error) {
	var counterStr string
	err := tx.QueryRow("SELECT value FROM journal_metadata WHERE key = 'archive_counter'").Scan(&counterStr)
	if err != nil {
		return 0, fmt.Errorf("failed to read archive_counter: %w", err)
	}

	counter, err := strconv.ParseInt(counterStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse archive_counter value '%s': %w", counterStr, err)
	}

	next := counter + 1
	_, err = tx.Exec("UPDATE journal_metadata SET value = ? WHERE key = 'archive_counter'", strconv.FormatInt(next, 10))
	if err != nil {
		return 0, fmt.Errorf("failed to update archive_counter: %w", err)
	}
	return next, nil
}

// ListGrids retrieves archived grids ordered by completion time, newest first.
func ListGrids(db *sql.DB, limit int) ([]ArchivedGrid, error) {
	query := `
	SELECT seq, id, pair, direction, start_price, grid_levels, grid_step, completion_reason, final_profit,
		filled_orders, closed_positions, max_drawdown, created_at, completed_at, duration_ms
	FROM grids
	ORDER BY completed_at DESC, seq DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grids: %w", err)
	}
	defer rows.Close()

	var grids []ArchivedGrid
	for rows.Next() {
		var g ArchivedGrid
		var direction string
		if err := rows.Scan(
			&g.Seq, &g.ID, &g.Pair, &direction, &g.StartPrice, &g.GridLevels, &g.GridStep, &g.CompletionReason,
			&g.FinalProfit, &g.FilledOrders, &g.ClosedPositions, &g.MaxDrawdown, &g.CreatedAt, &g.CompletedAt, &g.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan grid row: %w", err)
		}
		g.Direction = models.Side(direction)
		grids = append(grids, g)
	}
	return grids, rows.Err()
}

// ListPositions retrieves the archived positions of one grid ordered by level.
func ListPositions(db *sql.DB, gridID string) ([]models.Position, error) {
	query := `
	SELECT id, entry_order_id, level, direction, entry_price, size, status, open_time,
		COALESCE(close_time, 0), COALESCE(close_price, 0), COALESCE(close_reason, ''), profit
	FROM positions
	WHERE grid_id = ?
	ORDER BY level ASC`

	rows, err := db.Query(query, gridID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		var direction, status string
		if err := rows.Scan(
			&p.ID, &p.EntryOrderID, &p.Level, &direction, &p.EntryPrice, &p.Size, &status, &p.OpenTime,
			&p.CloseTime, &p.ClosePrice, &p.CloseReason, &p.Profit,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		p.Direction = models.Side(direction)
		p.Status = models.PositionStatus(status)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
