package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"github.com/menta2k/latex-ocr/pkg/types"
)

var ErrNotFound = sql.ErrNoRows

const schema = `
create table if not exists latex_results (
	cache_key   text primary key,
	result_json jsonb not null,
	created_at  timestamptz not null default now()
)`

// Open connects to Postgres through the pgx driver and checks the connection
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return db, nil
}

// ResultRepo caches successful extractions keyed by image and request settings
type ResultRepo struct {
	DB *sql.DB
	// MaxAge makes older rows count as misses; 0 keeps them forever
	MaxAge time.Duration
}

func NewResultRepo(db *sql.DB, maxAge time.Duration) *ResultRepo {
	return &ResultRepo{DB: db, MaxAge: maxAge}
}

// Migrate creates the table when missing
func (r *ResultRepo) Migrate(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create latex_results: %w", err)
	}
	return nil
}

// Find returns the cached result for key, or ErrNotFound when it is missing,
// stale or unreadable
func (r *ResultRepo) Find(ctx context.Context, key string) (*types.OcrResult, error) {
	const q = `select result_json, created_at from latex_results where cache_key=$1`
	var (
		js []byte
		ts time.Time
	)
	if err := r.DB.QueryRowContext(ctx, q, key).Scan(&js, &ts); err != nil {
		return nil, err
	}
	if r.MaxAge > 0 && time.Since(ts) > r.MaxAge {
		return nil, ErrNotFound
	}
	var result types.OcrResult
	if err := json.Unmarshal(js, &result); err != nil {
		return nil, ErrNotFound
	}
	return &result, nil
}

// Upsert stores a successful result; failed results are never cached
func (r *ResultRepo) Upsert(ctx context.Context, key string, result *types.OcrResult) error {
	if result == nil || !result.Success {
		return nil
	}
	js, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	const q = `
insert into latex_results(cache_key, result_json)
values ($1,$2)
on conflict (cache_key)
do update set result_json=excluded.result_json, created_at=now()`
	_, err = r.DB.ExecContext(ctx, q, key, js)
	return err
}

// Purge deletes rows older than MaxAge and reports how many went
func (r *ResultRepo) Purge(ctx context.Context) (int64, error) {
	if r.MaxAge <= 0 {
		return 0, nil
	}
	res, err := r.DB.ExecContext(ctx,
		`delete from latex_results where created_at < $1`, time.Now().Add(-r.MaxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Key hashes the image bytes together with everything that changes the result
func Key(data []byte, candidates string, opts types.Options) string {
	h := sha256.New()
	h.Write(data)
	fmt.Fprintf(h, "\x00%s\x00v=%t p=%t s=%t x=%t",
		candidates, opts.ValidateLatex, opts.PrimaryOnly, opts.StrictValidation, opts.AutoFix)
	return hex.EncodeToString(h.Sum(nil))
}
