package storage

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS visits (
    id              text PRIMARY KEY,
    worker_id       text NOT NULL,
    client_id       text NOT NULL,
    scheduled_start timestamptz NOT NULL,
    scheduled_end   timestamptz NOT NULL,
    status          text NOT NULL DEFAULT 'scheduled',
    check_in        timestamptz,
    check_out       timestamptz,
    revision        bigint NOT NULL DEFAULT 1,
    last_updated    timestamptz NOT NULL DEFAULT now(),
    archived_at     timestamptz,
    CHECK (scheduled_start < scheduled_end),
    CHECK (check_out IS NULL OR check_in IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS visits_worker_start_idx
    ON visits (worker_id, scheduled_start);

CREATE INDEX IF NOT EXISTS visits_archive_idx
    ON visits (last_updated)
    WHERE status = 'completed' AND archived_at IS NULL;
`

// EnsureSchema creates the visits table and its indexes if they are missing.
func (s *VisitStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
