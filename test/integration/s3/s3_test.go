//go:build integration

package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	filestores3 "github.com/vaultfs/vaultfs/pkg/filestore/s3"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

// setupTestS3 creates an S3 client pointed at Localstack and a fresh test
// bucket, returning a cleanup function that empties and removes it.
//
// Run with: go test -tags=integration ./test/integration/s3/...
// Requires Localstack on LOCALSTACK_ENDPOINT (default localhost:4566):
//
//	docker run --rm -p 4566:4566 localstack/localstack
func setupTestS3(t *testing.T, bucketName string) (*s3.Client, func()) {
	t.Helper()
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("failed to load aws config: %v", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucketName)}); err != nil {
		t.Fatalf("failed to create test bucket: %v", err)
	}

	cleanup := func() {
		listResp, _ := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucketName)})
		if listResp != nil {
			for _, obj := range listResp.Contents {
				_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucketName), Key: obj.Key})
			}
		}
		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucketName)})
	}

	return client, cleanup
}

// TestFileStoreS3Backend_PutGetDelete exercises the single-object path
// against a real (Localstack) bucket.
func TestFileStoreS3Backend_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	bucketName := "vaultfs-test-bucket"
	_, cleanup := setupTestS3(t, bucketName)
	defer cleanup()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	backend, err := filestores3.New(ctx, filestores3.Config{
		Bucket:   bucketName,
		Prefix:   fmt.Sprintf("test-%s", uuid.NewString()),
		Region:   "us-east-1",
		Endpoint: endpoint,
	})
	if err != nil {
		t.Fatalf("failed to build s3 backend: %v", err)
	}

	fileID := uuid.NewString()
	content := []byte("hello from a localstack-backed integration test")

	written, err := backend.Put(ctx, fileID, bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("expected %d bytes written, got %d", len(content), written)
	}

	rc, err := backend.Get(ctx, fileID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("failed to read object body: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q want %q", got, content)
	}

	if err := backend.Delete(ctx, fileID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := backend.Get(ctx, fileID); !storeerr.Is(err, storeerr.NotFound) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}

// TestFileStoreS3Backend_MultipartUpload forces the multipart path by
// writing a payload above multipartMinSize.
func TestFileStoreS3Backend_MultipartUpload(t *testing.T) {
	ctx := context.Background()
	bucketName := "vaultfs-multipart-test"
	_, cleanup := setupTestS3(t, bucketName)
	defer cleanup()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	backend, err := filestores3.New(ctx, filestores3.Config{
		Bucket:   bucketName,
		Region:   "us-east-1",
		Endpoint: endpoint,
	})
	if err != nil {
		t.Fatalf("failed to build s3 backend: %v", err)
	}

	const partSize = 10 << 20
	size := int64(partSize*2 + 1024) // spans 3 parts
	fileID := uuid.NewString()

	written, err := backend.Put(ctx, fileID, io.LimitReader(zeroReader{}, size), size)
	if err != nil {
		t.Fatalf("multipart Put failed: %v", err)
	}
	if written != size {
		t.Errorf("expected %d bytes written, got %d", size, written)
	}

	rc, err := backend.Get(ctx, fileID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	n, err := io.Copy(io.Discard, rc)
	rc.Close()
	if err != nil {
		t.Fatalf("failed to read multipart object: %v", err)
	}
	if n != size {
		t.Errorf("expected to read %d bytes, got %d", size, n)
	}
}

// zeroReader produces an endless stream of zero bytes, bounded by the
// io.LimitReader wrapping it in each test above.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
