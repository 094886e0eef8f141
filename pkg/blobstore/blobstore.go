// Package blobstore is the client for durable blob storage: the
// long-term S3 bucket that accepted files are transferred into once
// the virus scanner clears them.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// UploadOptions controls a single blob upload.
type UploadOptions struct {
	// BlobName is the destination object key within the container.
	BlobName string

	// ContentType is the stored Content-Type.
	ContentType string

	// Metadata is attached to the object as S3 user metadata.
	Metadata map[string]string
}

// PutResult describes a stored blob.
type PutResult struct {
	URL          string
	ETag         string
	LastModified time.Time
}

// MetadataResult describes a stored metadata document.
type MetadataResult struct {
	MetadataURL string
}

// Client accesses the durable bucket.
type Client struct {
	s3     *s3.Client
	bucket string
	logger *slog.Logger
}

// New creates a durable store client for bucket.
func New(client *s3.Client, bucket string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		s3:     client,
		bucket: bucket,
		logger: logger.With("component", "blobstore"),
	}
}

// UploadFileFromStream stores r under container/opts.BlobName. The
// stream is buffered so the SDK can compute the payload hash; callers
// enforce size ceilings upstream.
func (c *Client) UploadFileFromStream(ctx context.Context, r io.Reader, container string, opts UploadOptions) (*PutResult, error) {
	if opts.BlobName == "" {
		return nil, fmt.Errorf("blobstore: blob name is required")
	}
	key := container + "/" + opts.BlobName

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("blobstore: read stream for %s: %w", key, err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	out, err := c.s3.PutObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("blobstore: upload %s: %w", key, err)
	}

	res := &PutResult{
		URL:          c.objectURL(key),
		LastModified: time.Now().UTC(),
	}
	if out.ETag != nil {
		res.ETag = *out.ETag
	}
	return res, nil
}

// UploadMetadata stores doc as a JSON document under name.
func (c *Client) UploadMetadata(ctx context.Context, name string, doc any) (*MetadataResult, error) {
	if name == "" {
		return nil, fmt.Errorf("blobstore: metadata name is required")
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("blobstore: encode metadata %s: %w", name, err)
	}

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: upload metadata %s: %w", name, err)
	}

	return &MetadataResult{MetadataURL: c.objectURL(name)}, nil
}

func (c *Client) objectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucket, key)
}
