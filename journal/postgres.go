package journal

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres mirrors journal entries into the cleanups table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cleanups (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL,
			client_timestamp TEXT NOT NULL,
			raw_transcript TEXT NOT NULL,
			cleaned TEXT[] NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cleanups_username_created ON cleanups(username, created_at);`,
	}
	for _, q := range queries {
		if _, err := p.pool.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, e Entry) error {
	cleaned := e.Cleaned
	if cleaned == nil {
		cleaned = []string{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cleanups (username, client_timestamp, raw_transcript, cleaned)
		VALUES ($1, $2, $3, $4)
	`, e.Username, e.Timestamp, e.Raw, cleaned)
	return errors.Wrap(err, "insert cleanup")
}

// Recent returns the latest entries for username, newest first.
func (p *Postgres) Recent(ctx context.Context, username string, limit int) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT username, client_timestamp, raw_transcript, cleaned
		FROM cleanups
		WHERE username = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, username, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query cleanups")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Username, &e.Timestamp, &e.Raw, &e.Cleaned); err != nil {
			return nil, errors.Wrap(err, "scan cleanup")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "read cleanups")
}
