package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/visit-lifecycle-engine/internal/types"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 100
)

// Source is the slice of the visit store the exporter reads from.
type Source interface {
	ListUnarchivedCompleted(ctx context.Context, limit int) ([]types.Snapshot, error)
	MarkArchived(ctx context.Context, id types.VisitID) error
}

// Record is the audit document written to object storage for each completed
// visit.
type Record struct {
	Visit      types.Visit   `json:"visit"`
	Revision   int64         `json:"revision"`
	Elapsed    time.Duration `json:"elapsed"`
	ExportedAt time.Time     `json:"exported_at"`
}

// Exporter periodically uploads completed visits as JSON audit records to
// object storage, then marks them archived so they are exported once.
type Exporter struct {
	source Source
	object *minio.Client
	bucket string

	interval  time.Duration
	batchSize int

	logger zerolog.Logger
}

// NewExporter constructs an archive exporter with sane defaults.
func NewExporter(source Source, object *minio.Client, bucket string, logger zerolog.Logger) *Exporter {
	return &Exporter{
		source:    source,
		object:    object,
		bucket:    bucket,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		logger:    logger,
	}
}

// WithInterval overrides the export cadence.
func (e *Exporter) WithInterval(d time.Duration) *Exporter {
	e.interval = d
	return e
}

// Start begins the periodic export loop.
func (e *Exporter) Start(ctx context.Context) {
	go e.loop(ctx)
}

func (e *Exporter) loop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.runOnce(ctx); err != nil {
				e.logger.Error().Err(err).Msg("archive export failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Exporter) runOnce(ctx context.Context) error {
	if e.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	snaps, err := e.source.ListUnarchivedCompleted(ctx, e.batchSize)
	if err != nil {
		return fmt.Errorf("list completed visits: %w", err)
	}

	for _, snap := range snaps {
		if err := e.export(ctx, snap); err != nil {
			e.logger.Error().Err(err).Str("visit", string(snap.Visit.ID)).Msg("visit export failed")
			continue
		}
		if err := e.source.MarkArchived(ctx, snap.Visit.ID); err != nil {
			return fmt.Errorf("mark archived: %w", err)
		}
	}
	return nil
}

func (e *Exporter) export(ctx context.Context, snap types.Snapshot) error {
	record := Record{
		Visit:      snap.Visit,
		Revision:   snap.Revision,
		ExportedAt: time.Now().UTC(),
	}
	if snap.Visit.CheckedIn() && snap.Visit.CheckedOut() {
		record.Elapsed = snap.Visit.Timeline.CheckOut.At.Sub(snap.Visit.Timeline.CheckIn.At)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	objectPath := fmt.Sprintf("visits/%s/%s.json", snap.Visit.Scheduled.Start.UTC().Format("2006-01-02"), snap.Visit.ID)
	if _, err := e.object.PutObject(ctx, e.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload audit record: %w", err)
	}

	e.logger.Info().Str("visit", string(snap.Visit.ID)).Str("object", objectPath).Msg("visit archived")
	return nil
}
