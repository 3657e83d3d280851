package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOBackend implements Backend against a MinIO/S3-compatible bucket:
// client construction, bucket ensure-exists, and object get/put behind
// the full open_read/open_write/read/write/save contract.
type MinIOBackend struct {
	client *minio.Client
	bucket string
}

// NewMinIOBackend dials endpoint and ensures bucket exists.
func NewMinIOBackend(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIOBackend, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, Permanent(err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, Transient(err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, Transient(err)
		}
	}
	return &MinIOBackend{client: client, bucket: bucket}, nil
}

func (b *MinIOBackend) OpenRead(ctx context.Context, path string) (ReadHandle, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, Permanent(err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, Permanent(err)
	}
	return &minioReadHandle{obj: obj, size: info.Size}, nil
}

func (b *MinIOBackend) OpenWrite(_ context.Context, path string) (WriteHandle, error) {
	return &minioWriteHandle{backend: b, path: path, buf: &bytes.Buffer{}}, nil
}

type minioReadHandle struct {
	obj  *minio.Object
	size int64
}

func (h *minioReadHandle) Size() int64 { return h.size }

func (h *minioReadHandle) ReadAt(dst []byte, pos int64) (int, error) {
	n, err := h.obj.ReadAt(dst, pos)
	if err != nil && err != io.EOF {
		return n, Permanent(err)
	}
	return n, err
}

func (h *minioReadHandle) Close() error { return h.obj.Close() }

// minioWriteHandle buffers writes in memory and uploads on Save, since
// S3-compatible object stores have no partial-write/append primitive.
type minioWriteHandle struct {
	backend *MinIOBackend
	path    string
	buf     *bytes.Buffer
}

func (h *minioWriteHandle) Write(p []byte) (int, error) { return h.buf.Write(p) }

func (h *minioWriteHandle) Save() error {
	_, err := h.backend.client.PutObject(context.Background(), h.backend.bucket, h.path,
		bytes.NewReader(h.buf.Bytes()), int64(h.buf.Len()), minio.PutObjectOptions{})
	if err != nil {
		return Transient(err)
	}
	return nil
}

func (h *minioWriteHandle) Close() error { return nil }
