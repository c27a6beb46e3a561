// Package audit provides an optional, append-only record of car lifecycle
// events (state transitions, timeouts, device connect/disconnect) in
// PostgreSQL. It is strictly additive: nothing in pkg/carserver reads this
// table back, so it never substitutes for the in-memory session/handshake
// state a restarted server rebuilds from the next connect handshake (spec
// §4.2's session is not persisted here, only observed).
//
// Grounded on savdsouza-test-83-kl4t8w's tracking-service cmd/server/main.go
// newTimescaleDB/StoreLocationBatch: the pgxpool.Pool construction, Ping
// health check, and zap-logged-but-swallowed write-failure style are reused
// here, generalized from a location-record batch insert to a single
// best-effort event-row insert.
package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Sink appends car lifecycle events to a "car_events" table. Construction
// fails fast (Open pings the pool and creates the table if missing); after
// that, Record failures are logged and returned but never panic -- a
// database outage must not take down car servers, which is why
// pkg/carserver calls Record from a detached goroutine rather than inline.
type Sink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects to dsn, verifies connectivity, and ensures the car_events
// table exists.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("audit sink connected")
	return &Sink{pool: pool, logger: logger}, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS car_events (
	id          BIGSERIAL PRIMARY KEY,
	car         TEXT NOT NULL,
	kind        TEXT NOT NULL,
	detail      TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Record appends one event row. A failure is logged at warning level and
// also returned; Record does not retry.
func (s *Sink) Record(ctx context.Context, car, kind, detail string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO car_events (car, kind, detail) VALUES ($1, $2, $3)`,
		car, kind, detail)
	if err != nil {
		s.logger.Warn("audit: failed to record event",
			zap.String("car", car), zap.String("kind", kind), zap.Error(err))
	}
	return err
}

// Close releases the underlying connection pool.
func (s *Sink) Close() {
	s.pool.Close()
}
