package config

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
)

type fakeBucketAPI struct {
	exists    bool
	existsErr error
	makeErr   error
	made      int
}

func (f *fakeBucketAPI) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeBucketAPI) MakeBucket(_ context.Context, _ string, _ minio.MakeBucketOptions) error {
	f.made++
	if f.makeErr == nil {
		f.exists = true
	}
	return f.makeErr
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	api := &fakeBucketAPI{exists: false}
	if err := ensureBucket(context.Background(), api, "visit-archive", "us-east-1"); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if api.made != 1 {
		t.Fatalf("expected one bucket create, got %d", api.made)
	}
}

func TestEnsureBucketSkipsWhenPresent(t *testing.T) {
	api := &fakeBucketAPI{exists: true}
	if err := ensureBucket(context.Background(), api, "visit-archive", "us-east-1"); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if api.made != 0 {
		t.Fatalf("existing bucket must not be recreated, got %d creates", api.made)
	}
}

func TestEnsureBucketToleratesCreateRace(t *testing.T) {
	// Another instance creates the bucket between our exists check and the
	// failed create.
	api := &fakeBucketAPI{exists: false, makeErr: errors.New("bucket already owned by you")}
	api.exists = false
	firstCheck := true
	raced := &racingBucketAPI{inner: api, firstCheck: &firstCheck}

	if err := ensureBucket(context.Background(), raced, "visit-archive", "us-east-1"); err != nil {
		t.Fatalf("create race should resolve cleanly, got %v", err)
	}
}

func TestEnsureBucketPropagatesCheckError(t *testing.T) {
	api := &fakeBucketAPI{existsErr: errors.New("connection refused")}
	if err := ensureBucket(context.Background(), api, "visit-archive", "us-east-1"); err == nil {
		t.Fatal("expected error when the exists check fails")
	}
}

// racingBucketAPI reports the bucket missing on the first check and present
// afterwards, simulating a concurrent creator.
type racingBucketAPI struct {
	inner      *fakeBucketAPI
	firstCheck *bool
}

func (r *racingBucketAPI) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if *r.firstCheck {
		*r.firstCheck = false
		return false, nil
	}
	return true, nil
}

func (r *racingBucketAPI) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	return r.inner.MakeBucket(ctx, bucket, opts)
}
