//go:build !js

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"catalog-harvest/adapters"
)

// ───────── Direct-to-Postgres helpers ─────────
//
// Database design assumptions:
//   Main table: <schema>.catalog_products
//     product_id   text primary key
//     name         text
//     payload      jsonb        (full upstream product object)
//     captured_at  timestamptz  (run that first saw the product)
// Inserts are idempotent via ON CONFLICT DO NOTHING, so the table keeps the
// first-seen version of each product across runs and re-runs are safe.

// openPGPool builds the connection pool at startup so a bad DSN surfaces
// before any fetch or lock activity. Connections themselves are lazy.
func openPGPool(ctx context.Context, dsn string, maxConns int, viaBouncer bool) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func insertProductsDB(ctx context.Context, pool *pgxpool.Pool, schema string, recs []adapters.ProductRecord, batch int, capturedAt time.Time) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if batch <= 0 {
		batch = 200
	}
	total := 0
	table := fmt.Sprintf(`"%s".catalog_products`, schema)

	for i := 0; i < len(recs); i += batch {
		j := i + batch
		if j > len(recs) {
			j = len(recs)
		}
		b := &pgx.Batch{}
		count := 0
		for _, r := range recs[i:j] {
			if strings.TrimSpace(r.Key) == "" {
				continue
			}
			b.Queue(
				`INSERT INTO `+table+`
				(product_id, name, payload, captured_at)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (product_id) DO NOTHING`,
				r.Key, r.Name, string(r.Raw), capturedAt,
			)
			count++
		}
		br := pool.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, err
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}
