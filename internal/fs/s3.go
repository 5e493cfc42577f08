package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bmatcuk/doublestar/v4"
)

// S3 is a FileSystem rooted at a bucket prefix. It is the working storage
// for elastic runs, where cluster nodes have no shared filesystem.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// S3API is the subset of the S3 client the filesystem uses; tests swap in
// a fake.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func NewS3(ctx context.Context, root string) (*S3, error) {
	bucket, prefix, err := splitS3URL(root)
	if err != nil {
		return nil, err
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// NewS3WithClient binds the filesystem to an existing client, used by
// tests and by callers that configure the SDK themselves.
func NewS3WithClient(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func splitS3URL(root string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(root, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 URL: %s", root)
	}
	rest = strings.Trim(rest, "/")
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 URL has no bucket: %s", root)
	}
	return bucket, prefix, nil
}

func (f *S3) Root() string {
	if f.prefix == "" {
		return "s3://" + f.bucket
	}
	return "s3://" + f.bucket + "/" + f.prefix
}

func (f *S3) key(name string) string {
	return path.Join(f.prefix, name)
}

func (f *S3) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key(name)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", name, err)
	}
	return out.Body, nil
}

func (f *S3) ReadFile(ctx context.Context, name string) ([]byte, error) {
	body, err := f.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (f *S3) Create(ctx context.Context, name string) (WriteCommitter, error) {
	return &s3Writer{fs: f, ctx: ctx, name: name}, nil
}

func (f *S3) CreateExclusive(ctx context.Context, name string, data []byte) (bool, error) {
	_, err := f.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(f.bucket),
		Key:         aws.String(f.key(name)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			// Another writer already published, or is publishing, this key.
			case "PreconditionFailed", "ConditionalRequestConflict":
				return false, nil
			}
		}
		return false, fmt.Errorf("s3 exclusive put %s: %w", name, err)
	}
	return true, nil
}

func (f *S3) Exists(ctx context.Context, name string) (bool, error) {
	_, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key(name)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", name, err)
	}
	return true, nil
}

func (f *S3) List(ctx context.Context, pattern string) ([]string, error) {
	// Everything up to the first glob metacharacter narrows the scan.
	listPrefix := pattern
	if i := strings.IndexAny(pattern, "*?[{"); i >= 0 {
		listPrefix = pattern[:i]
	}

	var names []string
	var continuation *string
	for {
		out, err := f.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(f.bucket),
			Prefix:            aws.String(f.key(listPrefix)),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", pattern, err)
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(strings.TrimPrefix(aws.ToString(obj.Key), f.prefix), "/")
			ok, err := doublestar.Match(pattern, name)
			if err != nil {
				return nil, err
			}
			if ok {
				names = append(names, name)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

func (f *S3) RemoveAll(ctx context.Context, prefix string) error {
	names, err := f.List(ctx, path.Join(prefix, "**"))
	if err != nil {
		return err
	}
	for _, name := range names {
		_, err := f.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(f.bucket),
			Key:    aws.String(f.key(name)),
		})
		if err != nil {
			return fmt.Errorf("s3 delete %s: %w", name, err)
		}
	}
	return nil
}

// s3Writer buffers locally and publishes with one PutObject on Commit,
// which is atomic on S3.
type s3Writer struct {
	fs   *S3
	ctx  context.Context
	name string
	buf  bytes.Buffer
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *s3Writer) Commit() error {
	_, err := w.fs.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.fs.bucket),
		Key:    aws.String(w.fs.key(w.name)),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", w.name, err)
	}
	return nil
}

func (w *s3Writer) Abort() error {
	w.buf.Reset()
	return nil
}
