package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the external key/subscription store. The gateway never writes
// license or subscription rows, it only reads them on resolver cache misses
// and appends usage rows.
type Store struct {
	Pool *pgxpool.Pool
}

func New(databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}
