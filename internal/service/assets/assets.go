// Package assets uploads a built static site's publish directory into its
// provisioned bucket.
package assets

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/e-hua/CloudWrap-sub001/internal/domain"
)

// S3Client defines the S3 operations used by the uploader.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ClientFactory builds an S3 client scoped to one operation's credentials.
type ClientFactory func(creds domain.Credentials, region string) S3Client

// Uploader copies local files into a service bucket.
type Uploader struct {
	log       *slog.Logger
	newClient ClientFactory
}

// NewUploader returns an Uploader backed by the real S3 SDK.
func NewUploader(log *slog.Logger) *Uploader {
	return &Uploader{log: log, newClient: defaultClient}
}

// NewUploaderWithFactory injects a client factory, used by tests.
func NewUploaderWithFactory(log *slog.Logger, factory ClientFactory) *Uploader {
	return &Uploader{log: log, newClient: factory}
}

func defaultClient(creds domain.Credentials, region string) S3Client {
	cfg := aws.Config{
		Region:      region,
		Credentials: awscreds.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	}
	return s3.NewFromConfig(cfg)
}

// Upload walks dir and puts every regular file into the bucket under its
// path relative to dir. It returns the number of uploaded objects.
func (u *Uploader) Upload(ctx context.Context, creds domain.Credentials, region, bucket, dir string) (int, error) {
	if bucket == "" {
		return 0, fmt.Errorf("bucket name required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("publish directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("publish directory %s is not a directory", dir)
	}

	client := u.newClient(creds, region)
	uploaded := 0
	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer file.Close()

		input := &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   file,
		}
		if contentType := contentTypeFor(path); contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		if _, err := client.PutObject(ctx, input); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, err
	}
	u.log.Info("site assets uploaded", "bucket", bucket, "objects", uploaded)
	return uploaded, nil
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}
