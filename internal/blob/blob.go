package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/ballee/entsync/internal/config"
)

// Resolver turns legacy storage keys into destination URLs and can
// optionally verify that the object behind a key actually exists in
// the bucket.
type Resolver struct {
	bucket  string
	baseURL string
	verify  bool
	s3      *s3.S3
}

// NewResolver builds a resolver from blob configuration. The S3 client
// is only created when object verification is enabled; plain URL
// derivation needs no AWS credentials.
func NewResolver(cfg config.BlobConfig) (*Resolver, error) {
	r := &Resolver{
		bucket:  cfg.Bucket,
		baseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		verify:  cfg.VerifyObjects,
	}
	if !cfg.VerifyObjects {
		return r, nil
	}

	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		// Local stacks (minio and friends) need path-style addressing.
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}
	r.s3 = s3.New(sess)
	return r, nil
}

// URLFor builds the destination URL for a storage key.
func (r *Resolver) URLFor(key string) string {
	key = strings.TrimPrefix(key, "/")
	if r.baseURL != "" {
		return r.baseURL + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", r.bucket, key)
}

// Verify reports whether the object behind key exists. A no-op
// returning true when verification is disabled.
func (r *Resolver) Verify(ctx context.Context, key string) (bool, error) {
	if !r.verify {
		return true, nil
	}
	_, err := r.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(strings.TrimPrefix(key, "/")),
	})
	if err != nil {
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("verify object %s: %w", key, err)
	}
	return true, nil
}
