package miniokv_test

import (
	"context"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/docvault/pkg/kv"
	"github.com/calvinalkan/docvault/pkg/kv/miniokv"
)

// Test_Store_Integration requires a running MinIO on localhost:9000 and skips
// otherwise.
func Test_Store_Integration(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()

	_, err = client.ListBuckets(ctx)
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	const bucket = "test-docvault"

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)

	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := miniokv.New(client, bucket, "it/"+t.Name())

	_, err = store.Get(ctx, "db")
	require.ErrorIs(t, err, kv.ErrNotFound)

	err = store.SetMany(ctx, []kv.Entry{
		{Key: "db", Value: []byte("cipher")},
		{Key: "db-iv", Value: []byte("nonce")},
	})
	require.NoError(t, err)

	got, err := store.GetMany(ctx, []string{"db", "db-salt", "db-iv"})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("cipher"), nil, []byte("nonce")}, got)

	require.NoError(t, store.Delete(ctx, "db", "db-iv", "db-salt"))

	_, err = store.Get(ctx, "db")
	require.ErrorIs(t, err, kv.ErrNotFound)
}
