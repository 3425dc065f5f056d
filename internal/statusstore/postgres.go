package statusstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

const schema = `CREATE TABLE IF NOT EXISTS ft_transfer_status (
	id            TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	last_seq_num  INTEGER NOT NULL,
	response      BYTEA,
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	stored_at     TIMESTAMPTZ NOT NULL
)`

// Postgres stores statuses in a PostgreSQL table.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects to databaseURL and creates the status table if
// needed.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Migrate creates the status table.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create status table: %w", err)
	}
	return nil
}

func (p *Postgres) Put(ctx context.Context, id string, st service.Status) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ft_transfer_status (id, state, last_seq_num, response, error_code, error_message, stored_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   last_seq_num = EXCLUDED.last_seq_num,
		   response = EXCLUDED.response,
		   error_code = EXCLUDED.error_code,
		   error_message = EXCLUDED.error_message,
		   stored_at = EXCLUDED.stored_at`,
		id, st.State.String(), st.LastSeqNum, st.Response, st.ErrorCode, st.ErrorMessage, p.now().UTC())
	if err != nil {
		return fmt.Errorf("store status %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (service.Status, error) {
	var (
		st    service.Status
		state string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT state, last_seq_num, response, error_code, error_message
		 FROM ft_transfer_status WHERE id = $1`, id,
	).Scan(&state, &st.LastSeqNum, &st.Response, &st.ErrorCode, &st.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return service.Status{}, ErrNotFound
	}
	if err != nil {
		return service.Status{}, fmt.Errorf("load status %s: %w", id, err)
	}
	if st.State, err = service.ParseState(state); err != nil {
		return service.Status{}, fmt.Errorf("load status %s: %w", id, err)
	}
	return st, nil
}

func (p *Postgres) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ft_transfer_status WHERE stored_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup statuses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup statuses: %w", err)
	}
	return int(n), nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

var _ Store = (*Postgres)(nil)
