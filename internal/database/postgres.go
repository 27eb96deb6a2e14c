package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schema string

type PgFlickChatRepository struct {
	conn *sql.DB
}

func NewPgFlickChatRepository(dsn string) (*PgFlickChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgFlickChatRepository{conn: db}, nil
}

// Migrate applies the schema. Every statement is idempotent.
func (db *PgFlickChatRepository) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (db *PgFlickChatRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgFlickChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
