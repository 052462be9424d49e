// Package ledger keeps a queryable history of completion outcomes in DuckDB.
package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"

	"github.com/marcboeker/go-duckdb"

	"github.com/tus-placer/backend/internal/logger"
	"github.com/tus-placer/backend/internal/models"
)

// DefaultLimit bounds Recent when the caller passes no limit.
const DefaultLimit = 100

// Ledger is a DuckDB-backed outcome log.
type Ledger struct {
	db     *sql.DB
	dbPath string

	closeOnce sync.Once
}

// Open opens or creates the ledger database at dbPath. An empty path keeps
// the ledger in memory.
func Open(ctx context.Context, dbPath string) (*Ledger, error) {
	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				logger.Warn().Err(err).Str("pragma", pragma).Msg("ledger pragma failed")
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS placements (
			id           VARCHAR PRIMARY KEY,
			upload_id    VARCHAR NOT NULL,
			group_id     VARCHAR,
			final_name   VARCHAR,
			destination  VARCHAR,
			size         BIGINT NOT NULL,
			sidecar_kept BOOLEAN NOT NULL,
			status       VARCHAR NOT NULL,
			error        VARCHAR,
			recorded_at  TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("ledger opened")
	return &Ledger{db: db, dbPath: dbPath}, nil
}

// Record appends one outcome.
func (l *Ledger) Record(ctx context.Context, rec models.PlacementRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO placements
			(id, upload_id, group_id, final_name, destination, size, sidecar_kept, status, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UploadID, rec.GroupID, rec.FinalName, rec.Destination,
		rec.Size, rec.SidecarKept, string(rec.Status), rec.Error, rec.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording outcome %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit outcomes, newest first. status filters when non-empty.
func (l *Ledger) Recent(ctx context.Context, limit int, status models.PlacementStatus) ([]models.PlacementRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT id, upload_id, group_id, final_name, destination, size, sidecar_kept, status, error, recorded_at
		FROM placements`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY recorded_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	records := make([]models.PlacementRecord, 0, limit)
	for rows.Next() {
		var (
			rec                                  models.PlacementRecord
			groupID, finalName, destination, msg sql.NullString
			statusStr                            string
		)
		if err := rows.Scan(&rec.ID, &rec.UploadID, &groupID, &finalName, &destination,
			&rec.Size, &rec.SidecarKept, &statusStr, &msg, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		rec.GroupID = groupID.String
		rec.FinalName = finalName.String
		rec.Destination = destination.String
		rec.Error = msg.String
		rec.Status = models.PlacementStatus(statusStr)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Counts returns the number of recorded outcomes per status.
func (l *Ledger) Counts(ctx context.Context) (map[models.PlacementStatus]int, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM placements GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count query failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.PlacementStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		counts[models.PlacementStatus(status)] = n
	}
	return counts, rows.Err()
}

// Path returns the database file, empty for an in-memory ledger.
func (l *Ledger) Path() string { return l.dbPath }

// Close closes the database. The file is kept.
func (l *Ledger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.db.Close()
	})
	return err
}
