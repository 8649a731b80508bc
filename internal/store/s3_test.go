package store_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	testcontainersminio "github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/block/ctfplug/internal/logging"
	"github.com/block/ctfplug/internal/store"
	"github.com/block/ctfplug/internal/store/storetest"
)

var (
	minioContainer *testcontainersminio.MinioContainer
	minioEndpoint  string
	minioBucket    = "ctfplug-settings"
	minioUsername  = "minioadmin"
	minioPassword  = "minioadmin"
)

// TestMain manages the MinIO container lifecycle for the whole package.
func TestMain(m *testing.M) {
	ctx := context.Background()

	if os.Getenv("SKIP_TESTCONTAINERS") != "" {
		fmt.Println("Skipping testcontainers setup (SKIP_TESTCONTAINERS is set)")
		os.Exit(m.Run())
	}

	var err error
	minioContainer, err = testcontainersminio.Run(ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		testcontainersminio.WithUsername(minioUsername),
		testcontainersminio.WithPassword(minioPassword),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start MinIO container: %v\n", err)
		fmt.Fprintf(os.Stderr, "Ensure Docker is running and accessible.\n")
		os.Exit(1)
	}

	connStr, err := minioContainer.ConnectionString(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get MinIO connection string: %v\n", err)
		_ = minioContainer.Terminate(ctx)
		os.Exit(1)
	}
	// ConnectionString is usually "host:port" but may carry a scheme.
	if parsed, err := url.Parse(connStr); err == nil && parsed.Host != "" {
		minioEndpoint = parsed.Host
	} else {
		minioEndpoint = connStr
	}

	if err := createBucket(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create test bucket: %v\n", err)
		_ = minioContainer.Terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()

	if err := minioContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to terminate MinIO container: %v\n", err)
	}
	os.Exit(code)
}

func createBucket(ctx context.Context) error {
	client, err := minio.New(minioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioUsername, minioPassword, ""),
		Secure: false,
	})
	if err != nil {
		return fmt.Errorf("failed to create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, minioBucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, minioBucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// TestS3Store runs the store suite against MinIO. Each subtest gets its own prefix so they start empty.
//
// To skip (e.g., without Docker):
//
//	SKIP_TESTCONTAINERS=1 go test ./internal/store
func TestS3Store(t *testing.T) {
	if minioContainer == nil {
		t.Skip("MinIO container not available - Docker may not be running or SKIP_TESTCONTAINERS is set")
	}

	storetest.Suite(t, func(t *testing.T) store.Store {
		_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})
		useSSL := false
		s, err := store.NewS3(ctx, store.S3Config{
			Endpoint:        minioEndpoint,
			AccessKeyID:     minioUsername,
			SecretAccessKey: minioPassword,
			Bucket:          minioBucket,
			Prefix:          strings.ReplaceAll(t.Name(), "/", "-") + "/",
			UseSSL:          &useSSL,
		})
		assert.NoError(t, err)
		return s
	})
}

func TestS3StoreListStopsOnCorruptRecord(t *testing.T) {
	if minioContainer == nil {
		t.Skip("MinIO container not available - Docker may not be running or SKIP_TESTCONTAINERS is set")
	}
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})
	useSSL := false
	prefix := strings.ReplaceAll(t.Name(), "/", "-") + "/"
	s, err := store.NewS3(ctx, store.S3Config{
		Endpoint:        minioEndpoint,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
		Bucket:          minioBucket,
		Prefix:          prefix,
		UseSSL:          &useSSL,
	})
	assert.NoError(t, err)

	client, err := minio.New(minioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioUsername, minioPassword, ""),
		Secure: false,
	})
	assert.NoError(t, err)
	corrupt := "{not json"
	_, err = client.PutObject(ctx, minioBucket, prefix+"a.json", strings.NewReader(corrupt), int64(len(corrupt)),
		minio.PutObjectOptions{})
	assert.NoError(t, err)
	// Records after the corrupt one are still pending in the listing when List gives up.
	for i := range 5 {
		assert.NoError(t, s.Put(ctx, fmt.Sprintf("key-%d", i), []byte(`true`)))
	}

	_, err = s.List(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	_, err = s.Get(ctx, "a")
	assert.Error(t, err)
	record, err := s.Get(ctx, "key-4")
	assert.NoError(t, err)
	assert.Equal(t, "true", string(record.Value))
}

func TestS3StoreMissingBucket(t *testing.T) {
	if minioContainer == nil {
		t.Skip("MinIO container not available - Docker may not be running or SKIP_TESTCONTAINERS is set")
	}
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})
	useSSL := false
	_, err := store.NewS3(ctx, store.S3Config{
		Endpoint:        minioEndpoint,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
		Bucket:          "does-not-exist",
		UseSSL:          &useSSL,
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
