package modelstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	objects map[string]string
	gets    []string
}

func (b *fakeBucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	for key, body := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(body))),
		})
	}
	return out, nil
}

func (b *fakeBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	b.gets = append(b.gets, key)
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(b.objects[key]))}, nil
}

func TestS3Sync_MirrorsMissingArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	bucket := &fakeBucket{objects: map[string]string{
		"voices/alice.onnx": "alice-weights",
		"voices/bob.onnx":   "bob",
		"voices/readme.md":  "docs",
		"other/carol.onnx":  "carol",
	}}
	store := newS3Store(Base{Dir: dir, Extension: ".onnx"}, bucket, "models-bucket", "/voices/")

	n, err := store.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alice.onnx", "bob.onnx"}, ids)
	data, err := os.ReadFile(filepath.Join(dir, "alice.onnx"))
	require.NoError(t, err)
	require.Equal(t, "alice-weights", string(data))

	// Unchanged sizes are not fetched again.
	bucket.gets = nil
	n, err = store.Sync(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, bucket.gets)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.HasPrefix(entry.Name(), ".download-"))
	}
}

func TestBuildEndpoint(t *testing.T) {
	require.Equal(t, "https://s3.example.com", buildEndpoint("s3.example.com", true))
	require.Equal(t, "http://minio:9000", buildEndpoint("minio:9000", false))
	require.Equal(t, "https://x", buildEndpoint("https://x", false))
}
