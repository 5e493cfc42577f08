package fs

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket implementing the client subset, including
// conditional puts.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
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

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := f.objects[key]; exists {
			return nil, &preconditionFailed{}
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type preconditionFailed struct{}

func (e *preconditionFailed) Error() string     { return "precondition failed" }
func (e *preconditionFailed) ErrorCode() string { return "PreconditionFailed" }
func (e *preconditionFailed) ErrorMessage() string {
	return "At least one of the pre-conditions you specified did not hold"
}
func (e *preconditionFailed) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func TestSplitS3URL(t *testing.T) {
	tests := []struct {
		root    string
		bucket  string
		prefix  string
		wantErr bool
	}{
		{root: "s3://bucket/work/prefix", bucket: "bucket", prefix: "work/prefix"},
		{root: "s3://bucket", bucket: "bucket", prefix: ""},
		{root: "s3://bucket/", bucket: "bucket", prefix: ""},
		{root: "s3://", wantErr: true},
		{root: "/local/path", wantErr: true},
	}
	for _, tt := range tests {
		bucket, prefix, err := splitS3URL(tt.root)
		if tt.wantErr {
			require.Error(t, err, tt.root)
			continue
		}
		require.NoError(t, err, tt.root)
		require.Equal(t, tt.bucket, bucket)
		require.Equal(t, tt.prefix, prefix)
	}
}

func TestS3_WriteReadList(t *testing.T) {
	ctx := context.Background()
	fsys := NewS3WithClient(newFakeS3(), "bucket", "work")

	require.NoError(t, WriteFile(ctx, fsys, "run/stages/align/task-00000/part-00000", []byte("a\t1\n")))
	require.NoError(t, WriteFile(ctx, fsys, "run/stages/align/task-00001/part-00000", []byte("b\t2\n")))

	data, err := fsys.ReadFile(ctx, "run/stages/align/task-00000/part-00000")
	require.NoError(t, err)
	require.Equal(t, []byte("a\t1\n"), data)

	names, err := fsys.List(ctx, "run/stages/align/task-*/part-00000")
	require.NoError(t, err)
	require.Equal(t, []string{
		"run/stages/align/task-00000/part-00000",
		"run/stages/align/task-00001/part-00000",
	}, names)

	exists, err := fsys.Exists(ctx, "run/stages/align/task-00000/part-00000")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = fsys.Exists(ctx, "run/stages/align/task-00009/part-00000")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestS3_CreateExclusive(t *testing.T) {
	ctx := context.Background()
	fsys := NewS3WithClient(newFakeS3(), "bucket", "work")

	won, err := fsys.CreateExclusive(ctx, "cache/ab/abcd", []byte("first"))
	require.NoError(t, err)
	require.True(t, won)

	won, err = fsys.CreateExclusive(ctx, "cache/ab/abcd", []byte("second"))
	require.NoError(t, err)
	require.False(t, won)

	data, err := fsys.ReadFile(ctx, "cache/ab/abcd")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)
}

func TestS3_RemoveAll(t *testing.T) {
	ctx := context.Background()
	fsys := NewS3WithClient(newFakeS3(), "bucket", "work")

	require.NoError(t, WriteFile(ctx, fsys, "run/cache/ab/x", []byte("1")))
	require.NoError(t, WriteFile(ctx, fsys, "run/cache/cd/y", []byte("2")))
	require.NoError(t, WriteFile(ctx, fsys, "run/stages/align/task-00000/part-00000", []byte("3")))

	require.NoError(t, fsys.RemoveAll(ctx, "run/cache"))

	names, err := fsys.List(ctx, "run/**")
	require.NoError(t, err)
	require.Equal(t, []string{"run/stages/align/task-00000/part-00000"}, names)
}

func TestS3_Root(t *testing.T) {
	fsys := NewS3WithClient(newFakeS3(), "bucket", "work/prefix")
	require.Equal(t, "s3://bucket/work/prefix", fsys.Root())

	fsys = NewS3WithClient(newFakeS3(), "bucket", "")
	require.Equal(t, "s3://bucket", fsys.Root())
}
