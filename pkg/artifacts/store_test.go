package artifacts

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	data := []byte("PK\x03\x04 archive bytes")

	digest, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Digest(data), digest)
	assert.True(t, strings.HasPrefix(digest, "sha256:"))

	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, digest))
	require.NoError(t, s.Delete(ctx, digest))
	ok, err = s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, digest)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "md5:abc")
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestParseDigest(t *testing.T) {
	raw, err := ParseDigest(Digest([]byte("x")))
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	for _, bad := range []string{"", "sha256:", "sha256:zz", "sha256:abcd", "sha1:" + raw, "../" + raw} {
		_, err := ParseDigest(bad)
		assert.ErrorIs(t, err, ErrInvalidDigest, bad)
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestNew(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	s, err := New(context.Background(), Config{Dir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, dir, fs.baseDir)

	_, err = New(context.Background(), Config{Type: TypeS3})
	require.ErrorContains(t, err, "s3 bucket is required")

	_, err = New(context.Background(), Config{Type: TypeGCS})
	require.ErrorContains(t, err, "gcs bucket is required")

	_, err = New(context.Background(), Config{Type: "ftp"})
	require.ErrorContains(t, err, "unsupported")
}

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	s := &S3Store{client: fake, bucket: "fns", prefix: "artifacts/"}
	exerciseStore(t, s)
	assert.Equal(t, 1, fake.puts)

	digest, err := s.Put(context.Background(), []byte("x"))
	require.NoError(t, err)
	raw, _ := ParseDigest(digest)
	_, ok := fake.objects["artifacts/"+raw+".blob"]
	assert.True(t, ok)
}
