//go:build integration

package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startMinio runs a MinIO container and returns its host:port. The image tag
// can be overridden with QD_MINIO_TEST_TAG.
func startMinio(t *testing.T) string {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	pool.MaxWait = 90 * time.Second

	tag := os.Getenv("QD_MINIO_TEST_TAG")
	if tag == "" {
		tag = "RELEASE.2024-01-31T20-20-33Z"
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "minio/minio",
		Tag:        tag,
		Cmd:        []string{"server", "/data"},
		Env: []string{
			"MINIO_ROOT_USER=minio",
			"MINIO_ROOT_PASSWORD=minio123",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	endpoint := "localhost:" + resource.GetPort("9000/tcp")
	require.NoError(t, pool.Retry(func() error {
		resp, err := http.Get("http://" + endpoint + "/minio/health/live")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("minio not ready: %d", resp.StatusCode)
		}
		return nil
	}))
	return endpoint
}

func TestObjectStoresAgainstMinio(t *testing.T) {
	endpoint := startMinio(t)
	ctx := context.Background()

	mstore, err := NewMinioStore(ctx, MinioConfig{
		Endpoint:     endpoint,
		AccessKey:    "minio",
		SecretKey:    "minio123",
		Bucket:       "quickdrop",
		Prefix:       "m/",
		CreateBucket: true,
	})
	require.NoError(t, err)

	sstore, err := NewS3Store(ctx, S3Config{
		Endpoint:  "http://" + endpoint,
		Region:    "us-east-1",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "quickdrop",
		Prefix:    "s/",
		PathStyle: true,
		SpoolFs:   afero.NewMemMapFs(),
		SpoolDir:  "/spool",
	})
	require.NoError(t, err)

	for name, s := range map[string]Store{"minio": mstore, "s3": sstore} {
		t.Run(name, func(t *testing.T) {
			payload := bytes.Repeat([]byte("quickdrop "), 1024)

			blob, err := s.Put(ctx, testKey, bytes.NewReader(payload), Meta{ContentType: "text/plain", Name: "q.txt"})
			require.NoError(t, err)
			assert.EqualValues(t, len(payload), blob.Size)
			assert.Equal(t, sum(payload), blob.SHA256)

			_, err = s.Put(ctx, testKey, bytes.NewReader(payload), Meta{})
			assert.ErrorIs(t, err, ErrTokenCollision)

			rc, err := s.Get(ctx, testKey)
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, payload, got)

			require.NoError(t, s.Delete(ctx, testKey))
			require.NoError(t, s.Delete(ctx, testKey))

			_, err = s.Get(ctx, testKey)
			assert.ErrorIs(t, err, ErrNotFound)

			if p, ok := s.(Pinger); ok {
				assert.NoError(t, p.Ping(ctx))
			}
		})
	}
}
