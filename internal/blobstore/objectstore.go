package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/logging"
)

// ObjectStore is an S3-compatible Store, the "object store" alternative
// backend named alongside FileStore in §4.1. Not grounded in any pack
// repo; added because the spec names object storage as a first-class
// backend choice and no example happened to use one.
type ObjectStore struct {
	client   *s3.Client
	bucket   string
	prefix   string
	compress bool
	verify   bool
	log      zerolog.Logger
}

// NewObjectStore wraps an already-configured s3.Client. prefix is
// prepended to every key (e.g. "blobs/"), allowing a bucket to be shared
// with other tenants.
func NewObjectStore(client *s3.Client, bucket, prefix string, compress, verify bool) *ObjectStore {
	return &ObjectStore{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		compress: compress,
		verify:   verify,
		log:      logging.WithComponent("blobstore"),
	}
}

func (o *ObjectStore) objectKey(key string) string {
	return o.prefix + key
}

func (o *ObjectStore) Save(ctx context.Context, key string, data []byte) error {
	if len(data) == 0 {
		o.log.Warn().Str("key", key).Msg("blobstore: zero-length save, ignoring")
		return nil
	}
	payload := compress(data, o.compress)
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.objectKey(key)),
		Body:   bytes.NewReader(payload),
	})
	return err
}

func (o *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.objectKey(key)),
	})
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	data, err := decompress(raw)
	if err != nil {
		return nil, err
	}
	if o.verify && Sha256Hex(data) != key {
		return nil, ErrVerifyMismatch
	}
	return data, nil
}

func (o *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.objectKey(key)),
	})
	return err
}

func (o *ObjectStore) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	objs := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objs = append(objs, types.ObjectIdentifier{Key: aws.String(o.objectKey(k))})
	}
	_, err := o.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(o.bucket),
		Delete: &types.Delete{Objects: objs},
	})
	return err
}

