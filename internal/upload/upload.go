// Package upload ships encoded artifacts to S3-compatible object
// storage, or passes their local references through unchanged when
// object storage is disabled.
//
// The stage owns its retry policy: transient failures (network errors,
// 5xx, throttling) are retried with exponential backoff up to a fixed
// attempt cap; authentication and missing-bucket failures are
// abandoned immediately. Exhaustion never blocks the pipeline — the
// artifact is forwarded with a local-only reference and the error flag
// set.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"

	"github.com/fpang/screenwatch/internal/config"
	"github.com/fpang/screenwatch/internal/event"
	"github.com/fpang/screenwatch/internal/pipeline"
	"github.com/fpang/screenwatch/internal/store"
)

const (
	maxAttempts    = 4
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
	putTimeout     = 30 * time.Second
)

// objectPutter is the slice of the S3 client the stage needs;
// satisfied by *s3.Client.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Stage uploads artifacts to an S3-compatible endpoint.
type S3Stage struct {
	client   objectPutter
	endpoint string
	bucket   string
	prefix   string
	index    *store.Index

	sleep func(time.Duration)
}

// NewS3 creates the upload stage from configuration. The client talks
// to the configured endpoint with static credentials and path-style
// addressing; SDK-level retries are disabled so the stage can classify
// and cap retries itself.
func NewS3(ctx context.Context, cfg config.S3Config, index *store.Index) (*S3Stage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load object storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
		o.Retryer = aws.NopRetryer{}
	})

	return &S3Stage{
		client:   client,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.KeyPrefix, "/"),
		index:    index,
		sleep:    time.Sleep,
	}, nil
}

// Process uploads one artifact. Upload failure degrades the reference
// to local-only with the error flag set; it never fails the item or
// the pipeline.
func (s *S3Stage) Process(a event.Artifact, emit pipeline.Emit[event.Reference]) error {
	key := s.objectKey(a)

	if err := s.put(key, a); err != nil {
		log.Error().Err(err).Str("key", key).Str("monitor", a.Monitor.ID).Msg("Upload failed, forwarding local reference")
		emit(event.Reference{Artifact: a, UploadFailed: true})
		return nil
	}

	if err := s.index.MarkUploaded(a.ID, key); err != nil {
		log.Warn().Err(err).Str("artifact", a.ID).Msg("Artifact index update failed")
	}

	log.Info().Str("key", key).Str("monitor", a.Monitor.ID).Msg("Artifact uploaded")
	emit(event.Reference{Artifact: a, RemoteURL: s.remoteURL(key)})
	return nil
}

// put attempts the upload with capped exponential backoff. Each
// attempt gets its own timeout so a stalled connection cannot wedge
// the stage.
func (s *S3Stage) put(key string, a event.Artifact) error {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(a.Data),
			ContentType: aws.String("image/webp"),
		})
		cancel()

		if err == nil {
			return nil
		}
		if !retryable(err) {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("upload %s: retries exhausted after %d attempts: %w", key, attempt, err)
		}

		log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Dur("backoff", backoff).Msg("Transient upload failure, retrying")
		s.sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// retryable classifies an upload error. Server-side (5xx) and
// throttling responses are transient; any other HTTP response
// (authentication failure, missing bucket) is permanent. Errors
// without an HTTP response are network-level and worth retrying.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status >= 500 || status == 429
	}
	return true
}

// objectKey derives the upload key from the artifact identity:
// {prefix}/{yyyy}/{mm}/{dd}/{hh}/{unixmillis}_{monitor}.webp
func (s *S3Stage) objectKey(a event.Artifact) string {
	key := fmt.Sprintf("%s/%d_%s.webp", event.PathSubdir(a.Timestamp), a.Timestamp.UnixMilli(), a.Monitor.ID)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

func (s *S3Stage) remoteURL(key string) string {
	u, err := url.JoinPath(s.endpoint, s.bucket, key)
	if err != nil {
		return s.endpoint + "/" + s.bucket + "/" + key
	}
	return u
}

// Passthrough is the identity upload stage used when object storage is
// disabled: the local path becomes the final reference immediately.
type Passthrough struct{}

// NewPassthrough returns the passthrough stage.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

// Process forwards the artifact as a local-only reference.
func (p *Passthrough) Process(a event.Artifact, emit pipeline.Emit[event.Reference]) error {
	emit(event.Reference{Artifact: a})
	return nil
}
