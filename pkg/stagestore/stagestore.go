// Package stagestore is the client for transient staging storage: the
// S3 bucket that holds user submissions between initial upload and the
// virus-scan verdict.
package stagestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectInfo describes a staged object.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// Client accesses the staging bucket.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// New creates a staging store client.
//
// Parameters:
//   - client: AWS S3 client from aws-sdk-go-v2
//   - bucket: staging bucket name
//   - prefix: key prefix for staged uploads (e.g. "staging/")
func New(client *s3.Client, bucket, prefix string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		s3:     client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "stagestore"),
	}
}

// DownloadFile streams the staged object for key. The caller must
// close the returned reader.
func (c *Client) DownloadFile(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("stagestore: download %s: %w", key, err)
	}

	info := &ObjectInfo{}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	return out.Body, info, nil
}

// DeleteUpload removes the staged object for key.
func (c *Client) DeleteUpload(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + key),
	})
	if err != nil {
		return fmt.Errorf("stagestore: delete %s: %w", key, err)
	}
	return nil
}

// Sweep deletes staged objects older than maxAge and returns how many
// were removed. Orphans accumulate when a scan callback never arrives;
// run this on a ticker.
func (c *Client) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix),
	})

	var toDelete []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("stagestore: list staged objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) && obj.Key != nil {
				toDelete = append(toDelete, *obj.Key)
			}
		}
	}

	removed := 0
	for _, key := range toDelete {
		_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			c.logger.Warn("failed to delete expired staged object",
				"key", key, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		c.logger.Info("swept expired staged objects", "removed", removed)
	}
	return removed, nil
}
