package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

const healthProbeTimeout = 5 * time.Second

// Resources owns the three external backends of the engine: Postgres for the
// visit records, Redis for the cross-instance change relay and alert channel,
// and object storage for the completed-visit audit archive.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client

	archiveBucket string
}

// bucketAPI is the slice of the object client the archive bucket setup needs.
type bucketAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// NewResources connects all backends, provisions the archive bucket, and
// verifies each dependency answers before the server starts serving.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create object client: %w", err)
	}

	res := &Resources{
		Postgres:      pool,
		Redis:         redisClient,
		Object:        objectClient,
		archiveBucket: cfg.ObjectBucket,
	}

	if err := ensureBucket(ctx, objectClient, cfg.ObjectBucket, cfg.ObjectRegion); err != nil {
		res.Close()
		return nil, err
	}
	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

// ensureBucket creates the archive bucket on first boot so the exporter never
// writes into a missing bucket. A concurrent instance may win the race, which
// surfaces as an exists check after the failed create.
func ensureBucket(ctx context.Context, api bucketAPI, bucket, region string) error {
	exists, err := api.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check archive bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		if exists, checkErr := api.BucketExists(ctx, bucket); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create archive bucket: %w", err)
	}
	return nil
}

// HealthCheck pings every backend within a bounded deadline.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	if err := r.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	// Object storage has no ping; statting the archive bucket doubles as one.
	if _, err := r.Object.BucketExists(ctx, r.archiveBucket); err != nil {
		return fmt.Errorf("object storage unreachable: %w", err)
	}
	return nil
}

// Close releases every backend connection. Safe on a partially-built bundle.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
