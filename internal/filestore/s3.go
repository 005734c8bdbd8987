package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// S3Backend keeps objects in one bucket under an optional key prefix.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO
		})
	}
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, opts...)
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (b *S3Backend) key(name string) string {
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (b *S3Backend) Write(ctx context.Context, name string, r io.Reader) (int64, error) {
	if !validName(name) {
		return 0, ErrInvalidName
	}
	cr := &countingReader{r: r}
	if _, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
		Body:   cr,
	}); err != nil {
		return 0, fmt.Errorf("s3 upload %s: %w", name, err)
	}
	return cr.n, nil
}

func (b *S3Backend) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if !validName(name) {
		return nil, ErrNotFound
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", name, err)
	}
	return out.Body, nil
}

func (b *S3Backend) Stat(ctx context.Context, name string) (Object, error) {
	if !validName(name) {
		return Object{}, ErrNotFound
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("s3 head %s: %w", name, err)
	}
	obj := Object{Name: name, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		obj.ModTime = *out.LastModified
	}
	return obj, nil
}

// Remove is idempotent on S3: deleting a missing key succeeds.
func (b *S3Backend) Remove(ctx context.Context, name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", name, err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context) ([]Object, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if b.prefix != "" {
		in.Prefix = aws.String(b.prefix + "/")
	}
	var out []Object
	p := s3.NewListObjectsV2Paginator(b.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, o := range page.Contents {
			name := path.Base(aws.ToString(o.Key))
			if !validName(name) {
				continue
			}
			obj := Object{Name: name, Size: aws.ToInt64(o.Size)}
			if o.LastModified != nil {
				obj.ModTime = *o.LastModified
			}
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// HealthCheck verifies the bucket is reachable.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}
