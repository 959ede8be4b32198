package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
)

// DBStore implements Store on the settings table.
type DBStore struct {
	queries *sqlc.Queries
}

func NewDBStore(queries *sqlc.Queries) *DBStore {
	return &DBStore{queries: queries}
}

func (s *DBStore) GetSetting(ctx context.Context, key string) ([]byte, error) {
	row, err := s.queries.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.Value, nil
}

func (s *DBStore) UpsertSetting(ctx context.Context, key string, value []byte) error {
	_, err := s.queries.UpsertSetting(ctx, sqlc.UpsertSettingParams{Key: key, Value: value})
	return err
}
