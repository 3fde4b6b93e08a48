package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/pavelanni/mathgrader/internal/model"
)

// SetMetadata upserts a key-value pair in the exam_metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exam_metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM exam_metadata WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetExportInfo records the metadata of the latest export.
func (s *Store) SetExportInfo(ctx context.Context, info model.ExportInfo) error {
	pairs := []struct{ k, v string }{
		{"export_id", info.ExportID},
		{"assignment", info.Assignment},
		{"export_date", info.Date},
		{"export_count", strconv.Itoa(info.Count)},
	}
	for _, p := range pairs {
		if err := s.SetMetadata(ctx, p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// GetExportInfo reads the metadata of the latest export.
func (s *Store) GetExportInfo(ctx context.Context) (model.ExportInfo, error) {
	var info model.ExportInfo
	var err error

	if info.ExportID, err = s.GetMetadata(ctx, "export_id"); err != nil {
		return info, err
	}
	if info.Assignment, err = s.GetMetadata(ctx, "assignment"); err != nil {
		return info, err
	}
	if info.Date, err = s.GetMetadata(ctx, "export_date"); err != nil {
		return info, err
	}
	n, err := s.GetMetadata(ctx, "export_count")
	if err != nil {
		return info, err
	}
	if n != "" {
		info.Count, err = strconv.Atoi(n)
		if err != nil {
			return info, err
		}
	}
	return info, nil
}
