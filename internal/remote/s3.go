package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dmitrijs2005/gophvault/internal/models"
)

// S3Options point an S3Backend at a bucket. Endpoint and static credentials
// are optional; without them the default AWS chain is used.
type S3Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// objectAPI is the subset of *s3.Client the backend calls.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) objectAPI {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Backend stores each entry version as <prefix>/<entryID>/<version>.json.
// The object key doubles as the remote id.
type S3Backend struct {
	api    objectAPI
	bucket string
	prefix string
}

func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is not configured")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &S3Backend{api: api, bucket: opts.Bucket, prefix: strings.Trim(opts.Prefix, "/")}, nil
}

func objectKey(prefix, entryID string, version int64) string {
	return path.Join(prefix, entryID, strconv.FormatInt(version, 10)+".json")
}

// parseKey is the inverse of objectKey. ok is false for foreign objects.
func parseKey(prefix, key string) (entryID string, version int64, ok bool) {
	rel := key
	if prefix != "" {
		if rel, ok = strings.CutPrefix(key, prefix+"/"); !ok {
			return "", 0, false
		}
	}
	entryID, file, found := strings.Cut(rel, "/")
	if !found || entryID == "" || strings.Contains(file, "/") {
		return "", 0, false
	}
	num, found := strings.CutSuffix(file, ".json")
	if !found {
		return "", 0, false
	}
	version, err := strconv.ParseInt(num, 10, 64)
	if err != nil || version <= 0 {
		return "", 0, false
	}
	return entryID, version, true
}

func (b *S3Backend) Upload(ctx context.Context, obj Object) (string, error) {
	key := objectKey(b.prefix, obj.EntryID, obj.Version)
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(obj.Payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (b *S3Backend) Download(ctx context.Context, remoteID string) ([]byte, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(remoteID),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", remoteID, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// ListRemoteVersions walks every page under the prefix and keeps the highest
// version per entry.
func (b *S3Backend) ListRemoteVersions(ctx context.Context) (map[string]models.RemoteVersion, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if b.prefix != "" {
		in.Prefix = aws.String(b.prefix + "/")
	}

	out := map[string]models.RemoteVersion{}
	p := s3.NewListObjectsV2Paginator(b.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			id, v, ok := parseKey(b.prefix, key)
			if !ok {
				continue
			}
			if cur, seen := out[id]; !seen || v > cur.Version {
				out[id] = models.RemoteVersion{Version: v, RemoteID: key}
			}
		}
	}
	return out, nil
}
