// Package s3 implements remotecache.Backend on top of an S3-compatible
// object store, for teams who want cache entries shared across machines.
package s3

import (
	"bytes"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog"
)

// api is the subset of the S3 client the backend needs; satisfied by
// *s3.S3, narrowed here so tests can supply a fake.
type api interface {
	GetObject(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
	PutObject(*s3.PutObjectInput) (*s3.PutObjectOutput, error)
}

// Backend stores cache blobs as objects under bucket, keyed by
// "<prefix>/<namespace>/<taskID>/<cacheKey>".
type Backend struct {
	client api
	bucket string
	prefix string
	log    zerolog.Logger
}

// New builds a Backend from a default AWS session (region, credentials
// resolved the usual SDK way: env, shared config, instance profile).
func New(bucket, prefix string, log zerolog.Logger) (*Backend, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, err
	}
	return &Backend{client: s3.New(sess), bucket: bucket, prefix: prefix, log: log.With().Str("component", "remotecache.s3").Logger()}, nil
}

func (b *Backend) objectKey(namespace, taskID, cacheKey string) string {
	return b.prefix + "/" + namespace + "/" + taskID + "/" + cacheKey
}

// Get implements taskcache.Backend. Any error, including NoSuchKey, is
// reported as a plain miss.
func (b *Backend) Get(namespace, taskID, cacheKey string) ([]byte, bool) {
	out, err := b.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(namespace, taskID, cacheKey)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); !ok || aerr.Code() != s3.ErrCodeNoSuchKey {
			b.log.Warn().Err(err).Str("task_id", taskID).Msg("s3 get failed; treating as cache miss")
		}
		return nil, false
	}
	defer out.Body.Close()
	blob, err := io.ReadAll(out.Body)
	if err != nil {
		b.log.Warn().Err(err).Str("task_id", taskID).Msg("s3 get: failed reading body; treating as cache miss")
		return nil, false
	}
	return blob, true
}

// Put implements taskcache.Backend. A failed upload is logged and swallowed:
// the remote mirror is an optimization, never a correctness requirement.
func (b *Backend) Put(namespace, taskID, cacheKey string, blob []byte) {
	_, err := b.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(namespace, taskID, cacheKey)),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		b.log.Warn().Err(err).Str("task_id", taskID).Msg("s3 put failed; cache entry not mirrored remotely")
	}
}
