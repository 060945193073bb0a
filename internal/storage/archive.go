package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/config"
)

// Archive copies completed transcript artifacts to an S3-compatible bucket
// in the background. The local file under <storage>/transcripts remains the
// canonical copy; the archive is a backup, and a failed upload only logs.
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
	ch     chan archiveJob
	log    zerolog.Logger

	stopped  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type archiveJob struct {
	jobID string
	path  string
}

// NewArchive creates an S3 transcript archive from config. Returns an error
// if the bucket is unreachable so misconfiguration surfaces at startup.
func NewArchive(ctx context.Context, cfg config.S3Config, log zerolog.Logger) (*Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	a := &Archive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		ch:     make(chan archiveJob, 64),
		log:    log.With().Str("component", "s3-archive").Logger(),
	}

	headCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := a.client.HeadBucket(headCtx, &s3.HeadBucketInput{Bucket: &a.bucket}); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	a.log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 archive connection verified")

	return a, nil
}

// Start launches the uploader goroutine.
func (a *Archive) Start() {
	a.wg.Add(1)
	go a.worker()
	a.log.Info().Msg("transcript archive started")
}

// Stop drains the upload queue and waits for the worker.
func (a *Archive) Stop() {
	a.stopped.Store(true)
	a.stopOnce.Do(func() { close(a.ch) })
	a.wg.Wait()
	a.log.Info().Msg("transcript archive stopped")
}

// Enqueue schedules a transcript artifact for upload. Non-blocking; drops
// with a warning when the queue is full (the local copy is canonical).
func (a *Archive) Enqueue(jobID, path string) {
	if a.stopped.Load() {
		return
	}
	select {
	case a.ch <- archiveJob{jobID: jobID, path: path}:
	default:
		a.log.Warn().Str("job_id", jobID).Msg("archive queue full, skipping (local copy is canonical)")
	}
}

func (a *Archive) worker() {
	defer a.wg.Done()
	for job := range a.ch {
		data, err := os.ReadFile(job.path)
		if err != nil {
			a.log.Error().Err(err).Str("job_id", job.jobID).Msg("archive read failed")
			continue
		}
		key := a.objectKey(job.jobID)
		contentType := "application/json"

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &a.bucket,
			Key:         &key,
			Body:        bytes.NewReader(data),
			ContentType: &contentType,
		})
		cancel()
		if err != nil {
			a.log.Error().Err(err).Str("job_id", job.jobID).Msg("archive upload failed (local copy intact)")
			continue
		}
		a.log.Debug().Str("job_id", job.jobID).Str("key", key).Msg("transcript archived")
	}
}

func (a *Archive) objectKey(jobID string) string {
	if a.prefix != "" {
		return a.prefix + "/transcripts/" + jobID + ".json"
	}
	return "transcripts/" + jobID + ".json"
}
