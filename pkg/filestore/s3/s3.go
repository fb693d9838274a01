// Package s3 is an optional FileStore content backend that stores file
// bytes in an S3-compatible bucket, addressed by FileId rather than by
// path. Grounded on the teacher's pkg/store/content/s3 (object-key
// construction, multipart session bookkeeping, single-PutObject path for
// small payloads) and wired through SPEC_FULL's domain stack binding for
// aws-sdk-go-v2.
//
// This backend is built directly with New; the daemon does not select it
// from storage.file_store.type, which is only validated. It exists alongside, not in place of, the local-disk
// strategy in pkg/filestore: the metadata tree (folder hierarchy, names)
// is always tracked in-process by pkg/folderstore and pkg/filestore;
// this package only supplies the bytes behind a FileId when a deployment
// wants object storage instead of local disk.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

// multipartMinSize is the payload size above which Put switches from a
// single PutObject call to a multipart upload, matching the teacher's
// partSize-based split.
const multipartMinSize = 10 << 20

const partSize = 10 << 20

// Backend stores file content in one S3 bucket under a fixed key prefix.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config carries the settings needed to reach the bucket; Region and
// Endpoint are optional overrides layered on top of the ambient AWS
// credential chain.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// New builds a Backend from an aws-sdk-go-v2 default config, optionally
// overridden with a region and endpoint for S3-compatible stores.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.IOError, "failed to load aws configuration", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (b *Backend) objectKey(fileID string) string {
	if b.prefix == "" {
		return fileID
	}
	return b.prefix + "/" + fileID
}

// Put uploads the full content for fileID, switching to a multipart
// upload above multipartMinSize so large transfers don't have to buffer
// entirely in this process's memory before the first byte reaches S3.
func (b *Backend) Put(ctx context.Context, fileID string, r io.Reader, size int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if size >= 0 && size < multipartMinSize {
		return b.putSingle(ctx, fileID, r, size)
	}
	return b.putMultipart(ctx, fileID, r)
}

func (b *Backend) putSingle(ctx context.Context, fileID string, r io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, storeerr.Wrap(storeerr.IOError, "failed to read content for upload", err)
	}

	key := b.objectKey(fileID)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, storeerr.Wrap(storeerr.IOError, "failed to put object", err)
	}
	return int64(len(data)), nil
}

func (b *Backend) putMultipart(ctx context.Context, fileID string, r io.Reader) (int64, error) {
	key := b.objectKey(fileID)

	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, storeerr.Wrap(storeerr.IOError, "failed to create multipart upload", err)
	}
	uploadID := *created.UploadId

	var total int64
	var parts []types.CompletedPart
	buf := make([]byte, partSize)
	partNum := int32(1)

	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			result, uerr := b.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(b.bucket),
				Key:        aws.String(key),
				UploadId:   aws.String(uploadID),
				PartNumber: aws.Int32(partNum),
				Body:       bytes.NewReader(buf[:n]),
			})
			if uerr != nil {
				b.abort(ctx, key, uploadID)
				return 0, storeerr.Wrap(storeerr.IOError, "failed to upload part", uerr)
			}
			parts = append(parts, types.CompletedPart{ETag: result.ETag, PartNumber: aws.Int32(partNum)})
			total += int64(n)
			partNum++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			b.abort(ctx, key, uploadID)
			return 0, storeerr.Wrap(storeerr.IOError, "failed to read content for upload", readErr)
		}
	}

	sort.Slice(parts, func(i, j int) bool { return *parts[i].PartNumber < *parts[j].PartNumber })

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		b.abort(ctx, key, uploadID)
		return 0, storeerr.Wrap(storeerr.IOError, "failed to complete multipart upload", err)
	}
	return total, nil
}

func (b *Backend) abort(ctx context.Context, key, uploadID string) {
	_, _ = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
}

// Get opens a reader over fileID's content.
func (b *Backend) Get(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := b.objectKey(fileID)

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, storeerr.WithPath(storeerr.NotFound, "object not found", key)
		}
		return nil, storeerr.Wrap(storeerr.IOError, "failed to get object", err)
	}
	return out.Body, nil
}

// Delete removes fileID's content. It is idempotent.
func (b *Backend) Delete(ctx context.Context, fileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := b.objectKey(fileID)

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to delete object", err)
	}
	return nil
}
