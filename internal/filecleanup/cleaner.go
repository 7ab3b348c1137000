// Package filecleanup drains the _file_deletions queue: object-store
// deletions deferred by record mutations are retried here up to
// maxAttempts times.
package filecleanup

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/recbase-io/recbase/internal/db"
	"github.com/recbase-io/recbase/internal/observability"
	"github.com/recbase-io/recbase/internal/storage"
)

// batchSize bounds one drain pass.
const batchSize = 64

// maxAttempts gives up on a path after this many failed deletions; the
// path is logged, counted as "abandoned", and its row is removed.
const maxAttempts = 10

// Cleaner periodically deletes queued object-store paths.
type Cleaner struct {
	conn    *db.DB
	store   storage.Provider
	cron    *cron.Cron
	metrics *observability.Metrics
}

// New builds a cleaner scheduled by spec (cron syntax, e.g. "@every 1m").
func New(conn *db.DB, store storage.Provider, spec string) (*Cleaner, error) {
	c := &Cleaner{
		conn:    conn,
		store:   store,
		cron:    cron.New(),
		metrics: observability.GetMetrics(),
	}
	if _, err := c.cron.AddFunc(spec, c.run); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return c, nil
}

// Start begins the schedule.
func (c *Cleaner) Start() {
	c.cron.Start()
}

// Stop halts the schedule, waiting for an in-flight pass.
func (c *Cleaner) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

func (c *Cleaner) run() {
	if err := c.Drain(context.Background()); err != nil {
		log.Warn().Err(err).Msg("File-deletion drain failed")
	}
}

// Drain processes up to one batch of pending deletions. Exported for
// tests and for a final pass on shutdown.
func (c *Cleaner) Drain(ctx context.Context) error {
	type row struct {
		id       int64
		path     string
		attempts int64
	}

	rows, err := c.conn.Read().QueryContext(ctx,
		`SELECT id, path, attempts FROM _file_deletions ORDER BY scheduled_at LIMIT ?`, batchSize)
	if err != nil {
		return fmt.Errorf("failed to read deletion queue: %w", err)
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.path, &r.attempts); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan deletion row: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, r := range pending {
		err := c.store.Delete(ctx, r.path)
		if err != nil && r.attempts+1 < maxAttempts {
			log.Warn().Err(err).Str("path", r.path).Msg("Deferred file deletion failed, will retry")
			c.metrics.FileDeletion("retry")
			if werr := c.conn.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
				_, err := conn.ExecContext(ctx,
					`UPDATE _file_deletions SET attempts = attempts + 1 WHERE id = ?`, r.id)
				return err
			}); werr != nil {
				return werr
			}
			continue
		}

		status := "deleted"
		if err != nil {
			status = "abandoned"
			log.Error().Err(err).Str("path", r.path).Msg("Giving up on deferred file deletion")
		}
		c.metrics.FileDeletion(status)

		if werr := c.conn.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
			_, err := conn.ExecContext(ctx, `DELETE FROM _file_deletions WHERE id = ?`, r.id)
			return err
		}); werr != nil {
			return werr
		}
	}
	return nil
}
