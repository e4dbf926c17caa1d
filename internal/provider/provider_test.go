package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bulkload/internal/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/bulk/c1/app/bulk_load_info", InfoPath("/bulk", "c1", "app"))
	assert.Equal(t, "/bulk/c1/app/3/bulk_load_metadata", MetadataPath("/bulk", "c1", "app", 3))
	assert.Equal(t, "/bulk/c1/app/3", PartitionDir("/bulk", "c1", "app", 3))
}

func TestNew(t *testing.T) {
	p, err := New(TypeLocal, Config{})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, p)

	_, err = New("ftp_service", Config{})
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters), err)

	_, err = New(TypeS3, Config{})
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters), err)

	_, err = New(TypeMinio, Config{Minio: MinioConfig{Bucket: "b"}})
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters), err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(TypeLocal, NewLocal(LocalConfig{}))

	p, err := r.Get(TypeLocal)
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = r.Get(TypeS3)
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters), err)
	assert.Equal(t, []string{TypeLocal}, r.Types())
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := NewLocal(LocalConfig{BaseDir: dir})
	writeFile(t, filepath.Join(dir, "c1", "app", "0", "f1.sst"), "hello")

	t.Run("read", func(t *testing.T) {
		data, err := l.ReadFile(ctx, "/c1/app/0/f1.sst")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("read missing", func(t *testing.T) {
		_, err := l.ReadFile(ctx, "/c1/app/0/nope")
		assert.True(t, errors.Is(err, errors.ErrObjectNotFound), err)
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := l.Exists(ctx, "/c1/app/0/f1.sst")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = l.Exists(ctx, "/c1/app/0/nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("download", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "nested", "f1.sst")
		n, sum, err := l.Download(ctx, "/c1/app/0/f1.sst", dst)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		want := md5.Sum([]byte("hello"))
		assert.Equal(t, hex.EncodeToString(want[:]), sum)

		data, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))

		_, err = os.Stat(dst + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("download canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		dst := filepath.Join(t.TempDir(), "f1.sst")
		_, _, err := l.Download(cctx, "/c1/app/0/f1.sst", dst)
		assert.True(t, errors.Is(err, errors.ErrFileOperationFailed), err)
		_, err = os.Stat(dst)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestReadBulkLoadInfo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := NewLocal(LocalConfig{})

	writeFile(t, InfoPath(dir, "c1", "good"), `{"app_id":1,"app_name":"good","partition_count":4}`)
	writeFile(t, InfoPath(dir, "c1", "bad"), `{"app_id":`)

	info, err := ReadBulkLoadInfo(ctx, l, dir, "c1", "good")
	require.NoError(t, err)
	assert.Equal(t, int32(1), info.AppID)
	assert.Equal(t, "good", info.AppName)
	assert.Equal(t, int32(4), info.PartitionCount)

	_, err = ReadBulkLoadInfo(ctx, l, dir, "c1", "bad")
	assert.True(t, errors.Is(err, errors.ErrCorruption), err)

	_, err = ReadBulkLoadInfo(ctx, l, dir, "c1", "missing")
	assert.True(t, errors.Is(err, errors.ErrObjectNotFound), err)
}

func TestReadMetadata(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := NewLocal(LocalConfig{})
	writeFile(t, MetadataPath(dir, "c1", "app", 0),
		`{"files":[{"name":"1.sst","size":5,"md5":"abc"}],"file_total_size":5}`)

	meta, err := ReadMetadata(ctx, l, dir, "c1", "app", 0)
	require.NoError(t, err)
	require.Len(t, meta.Files, 1)
	assert.Equal(t, "1.sst", meta.Files[0].Name)
	assert.Equal(t, int64(5), meta.FileTotalSize)
}

// fakeS3 serves objects from a map.
type fakeS3 struct {
	s3iface.S3API
	objects map[string]string
	err     error
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.objects[aws.StringValue(in.Key)]; !ok {
		return nil, awserr.New("NotFound", "not found", nil)
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string]string{
		"root/c1/app/bulk_load_info": `{"app_id":7,"app_name":"app","partition_count":2}`,
		"root/c1/app/0/1.sst":        "sstdata",
	}}
	p := NewS3WithClient(fake, "bucket")

	info, err := ReadBulkLoadInfo(ctx, p, "/root", "c1", "app")
	require.NoError(t, err)
	assert.Equal(t, int32(7), info.AppID)

	ok, err := p.Exists(ctx, "/root/c1/app/0/1.sst")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Exists(ctx, "/root/c1/app/0/2.sst")
	require.NoError(t, err)
	assert.False(t, ok)

	dst := filepath.Join(t.TempDir(), "1.sst")
	n, _, err := p.Download(ctx, "/root/c1/app/0/1.sst", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len("sstdata")), n)

	_, err = p.ReadFile(ctx, "/root/c1/other/bulk_load_info")
	assert.True(t, errors.Is(err, errors.ErrObjectNotFound), err)

	fake.err = awserr.New("RequestError", "connection reset", nil)
	_, err = p.ReadFile(ctx, "/root/c1/app/bulk_load_info")
	assert.True(t, errors.Is(err, errors.ErrFileOperationFailed), err)
	_, err = p.Exists(ctx, "/root/c1/app/bulk_load_info")
	assert.True(t, errors.Is(err, errors.ErrFileOperationFailed), err)
}

func TestMinioError(t *testing.T) {
	err := minioError("b", "/k", errors.Errorf("dial tcp: connection refused"))
	assert.True(t, errors.Is(err, errors.ErrFileOperationFailed), err)

	_, err = NewMinio(MinioConfig{Endpoint: "http://127.0.0.1:9000", Bucket: "b"})
	require.NoError(t, err)
}

func TestWriteLocalHashesStream(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 1<<16)
	dst := filepath.Join(t.TempDir(), "big")
	n, sum, err := writeLocal(context.Background(), bytes.NewReader(content), "big", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	want := md5.Sum(content)
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
}
