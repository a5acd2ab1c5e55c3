package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/etlmon/backend/internal/core"
)

// InsertSourceDatabase persists a source connection target. Password must
// already be encrypted by the caller.
func (s *Store) InsertSourceDatabase(ctx context.Context, src *core.SourceDatabase) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO source_databases (db_code, db_type, host, port, db_name, user_name, password)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		src.DBCode, string(src.DBType), src.Host, src.Port,
		src.DBName, src.UserName, src.Password).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, core.Errf(core.CodeConflict, "source %s already exists", src.DBCode)
		}
		return 0, fmt.Errorf("insert source %s: %w", src.DBCode, err)
	}
	return id, nil
}

// UpdateSourceDatabase replaces the connection settings of a source.
func (s *Store) UpdateSourceDatabase(ctx context.Context, src *core.SourceDatabase) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE source_databases
		SET db_type = $2, host = $3, port = $4, db_name = $5, user_name = $6, password = $7
		WHERE db_code = $1`,
		src.DBCode, string(src.DBType), src.Host, src.Port,
		src.DBName, src.UserName, src.Password)
	if err != nil {
		return fmt.Errorf("update source %s: %w", src.DBCode, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errf(core.CodeNotFound, "source %s not found", src.DBCode)
	}
	return nil
}

// GetSourceDatabase fetches a source by code.
func (s *Store) GetSourceDatabase(ctx context.Context, dbCode string) (*core.SourceDatabase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, db_code, db_type, host, port, db_name, user_name, password
		FROM source_databases WHERE db_code = $1`, dbCode)
	return scanSource(row, dbCode)
}

// GetSourceDatabaseByID fetches a source by primary key.
func (s *Store) GetSourceDatabaseByID(ctx context.Context, id int64) (*core.SourceDatabase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, db_code, db_type, host, port, db_name, user_name, password
		FROM source_databases WHERE id = $1`, id)
	return scanSource(row, fmt.Sprintf("id %d", id))
}

func scanSource(row *sql.Row, ref string) (*core.SourceDatabase, error) {
	var src core.SourceDatabase
	err := row.Scan(&src.ID, &src.DBCode, &src.DBType, &src.Host, &src.Port,
		&src.DBName, &src.UserName, &src.Password)
	if err == sql.ErrNoRows {
		return nil, core.Errf(core.CodeSourceUnknown, "source %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", ref, err)
	}
	return &src, nil
}

// ListSourceDatabases returns every registered source.
func (s *Store) ListSourceDatabases(ctx context.Context) ([]*core.SourceDatabase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, db_code, db_type, host, port, db_name, user_name, password
		FROM source_databases ORDER BY db_code`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []*core.SourceDatabase
	for rows.Next() {
		var src core.SourceDatabase
		if err := rows.Scan(&src.ID, &src.DBCode, &src.DBType, &src.Host, &src.Port,
			&src.DBName, &src.UserName, &src.Password); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, &src)
	}
	return out, rows.Err()
}

// DeleteSourceDatabase removes a source with no loaders attached.
func (s *Store) DeleteSourceDatabase(ctx context.Context, dbCode string) error {
	return s.withTx(ctx, sql.LevelDefault, func(tx *sql.Tx) error {
		var attached int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM loaders l
			JOIN source_databases s ON s.id = l.source_database_id
			WHERE s.db_code = $1`, dbCode).Scan(&attached)
		if err != nil {
			return fmt.Errorf("count loaders on source %s: %w", dbCode, err)
		}
		if attached > 0 {
			return core.Errf(core.CodeConflict,
				"source %s has %d loaders attached", dbCode, attached)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM source_databases WHERE db_code = $1`, dbCode)
		if err != nil {
			return fmt.Errorf("delete source %s: %w", dbCode, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.Errf(core.CodeNotFound, "source %s not found", dbCode)
		}
		return nil
	})
}
