// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package gc implements the Chunk Garbage Collector: deletes
// every object under {baseId}/{chunkFolder}/ in the configured bucket
// once a session is hard-removed.
package gc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/config"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/controlerrors"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/model"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/telemetry"
	"github.com/naevatec/ov2-ha-recorder/internal/log"
)

// ObjectStore is the narrow S3 surface the collector needs, so tests
// substitute a fake without a real bucket.
type ObjectStore interface {
	HeadBucket(ctx context.Context, bucket string) error
	ListObjectsPage(ctx context.Context, bucket, prefix, continuationToken string, maxKeys int32) (keys []string, nextToken string, err error)
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
	DeleteObject(ctx context.Context, bucket, key string) error
	Close() error
}

// Collector is the Chunk Garbage Collector. It disables itself
// (observable via Status) rather than failing the whole service when
// the object store is unreachable at startup.
type Collector struct {
	cfg   config.Config
	store ObjectStore

	mu             sync.Mutex
	disabled       bool
	disabledReason string
}

// New constructs a Collector and probes the bucket once; a failed
// probe disables GC but never fails the caller.
func New(ctx context.Context, cfg config.Config) *Collector {
	c := &Collector{cfg: cfg}
	if !cfg.CleanupEnabled {
		c.disable("cleanup disabled by configuration")
		return c
	}
	store, err := newSDKObjectStore(ctx, cfg)
	if err != nil {
		c.disable("object store client construction failed: " + err.Error())
		return c
	}
	c.store = store
	if err := store.HeadBucket(ctx, cfg.Bucket); err != nil {
		c.disable("bucket not reachable at startup: " + err.Error())
		return c
	}
	return c
}

func (c *Collector) disable(reason string) {
	c.mu.Lock()
	c.disabled = true
	c.disabledReason = reason
	c.mu.Unlock()
	log.L().Warn().Str("reason", reason).Msg("gc: disabled")
}

// Status reports whether GC is currently able to run.
type Status struct {
	Disabled bool   `json:"disabled"`
	Reason   string `json:"reason,omitempty"`
}

func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Disabled: c.disabled, Reason: c.disabledReason}
}

// Close releases the object-store client, if one was constructed.
func (c *Collector) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// Collect deletes every object under the session's chunk prefix. When
// cfg.CleanupAsync is true, Collect launches the work in a goroutine
// and returns immediately; otherwise it blocks until every batch
// completes (operator-driven bulk sweep / tests).
func (c *Collector) Collect(ctx context.Context, sessionID string) {
	c.mu.Lock()
	disabled := c.disabled
	c.mu.Unlock()
	if disabled {
		log.L().Warn().Str("id", sessionID).Msg("gc: collect skipped, GC disabled")
		return
	}

	run := func() {
		// Detached from the caller's context: GC must not be cancelled
		// just because the inbound request that triggered it returned.
		if err := c.collectSync(context.Background(), sessionID); err != nil {
			wrapped := controlerrors.New(controlerrors.ObjectStoreError, sessionID, err)
			log.L().Warn().Str("id", sessionID).Err(wrapped).Msg("gc: collect failed")
		}
	}
	if c.cfg.CleanupAsync {
		go run()
		return
	}
	run()
}

func (c *Collector) prefix(sessionID string) string {
	return model.BaseID(sessionID) + "/" + c.cfg.ChunkFolder + "/"
}

func (c *Collector) collectSync(ctx context.Context, sessionID string) error {
	prefix := c.prefix(sessionID)
	batchSize := c.cfg.CleanupBatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	token := ""
	for {
		keys, next, err := c.store.ListObjectsPage(ctx, c.cfg.Bucket, prefix, token, int32(batchSize))
		if err != nil {
			return fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := c.store.DeleteObjects(ctx, c.cfg.Bucket, keys); err != nil {
				// Per-batch errors are logged; the loop continues so one
				// bad batch does not stall cleanup of the rest.
				log.L().Warn().Str("prefix", prefix).Err(err).Msg("gc: batch delete failed")
			} else {
				telemetry.GCObjectsDeleted.WithLabelValues().Add(float64(len(keys)))
			}
		}
		if next == "" {
			break
		}
		token = next
	}

	if err := c.store.DeleteObject(ctx, c.cfg.Bucket, prefix); err != nil && !isNotFound(err) {
		log.L().Warn().Str("prefix", prefix).Err(err).Msg("gc: prefix marker delete failed")
	}
	return nil
}

func isNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found") ||
		strings.Contains(strings.ToLower(err.Error()), "nosuchkey")
}

// sdkObjectStore implements ObjectStore over aws-sdk-go-v2's S3 client.
// The SDK client itself has no Close; the wrapper owns the HTTP client
// it runs on so Close can release its pooled connections.
type sdkObjectStore struct {
	cli   *s3.Client
	httpc *http.Client
}

func newSDKObjectStore(ctx context.Context, cfg config.Config) (*sdkObjectStore, error) {
	httpc := &http.Client{Timeout: 60 * time.Second}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpc),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	cli := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &sdkObjectStore{cli: cli, httpc: httpc}, nil
}

func (s *sdkObjectStore) HeadBucket(ctx context.Context, bucket string) error {
	_, err := s.cli.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	return err
}

func (s *sdkObjectStore) ListObjectsPage(ctx context.Context, bucket, prefix, continuationToken string, maxKeys int32) ([]string, string, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if maxKeys > 0 {
		in.MaxKeys = aws.Int32(maxKeys)
	}
	if continuationToken != "" {
		in.ContinuationToken = aws.String(continuationToken)
	}
	out, err := s.cli.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, "", err
	}
	keys := make([]string, 0, len(out.Contents))
	for _, o := range out.Contents {
		keys = append(keys, aws.ToString(o.Key))
	}
	next := ""
	if out.IsTruncated != nil && *out.IsTruncated {
		next = aws.ToString(out.NextContinuationToken)
	}
	return keys, next, nil
}

func (s *sdkObjectStore) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	objs := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objs = append(objs, types.ObjectIdentifier{Key: aws.String(k)})
	}
	out, err := s.cli.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(false)},
	})
	if err != nil {
		return err
	}
	for _, e := range out.Errors {
		log.L().Warn().Str("key", aws.ToString(e.Key)).Str("code", aws.ToString(e.Code)).Msg("gc: object delete failed")
	}
	return nil
}

func (s *sdkObjectStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.cli.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return err
}

func (s *sdkObjectStore) Close() error {
	s.httpc.CloseIdleConnections()
	return nil
}
