// Package archive provides best-effort S3 archival of checkpoint/log
// segment files immediately before the Pruner unlinks them locally
// (SPEC_FULL.md DOMAIN STACK, grounded on the teacher's pkg/content/s3
// S3-backed content store pattern using aws-sdk-go-v2).
//
// Archival is strictly best-effort: a failed upload is logged and never
// blocks or prevents the local unlink. This is not a durability mechanism
// for the live store (spec.md's Non-goals on durability/replication stand
// unchanged) — it only exports data that is already marked for deletion.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kfscache/metastore/internal/logger"
)

// Config configures the archiver.
type Config struct {
	Bucket   string
	KeyPrefix string
	Region   string
	Endpoint string
}

// Archiver uploads pruned files to S3 on a best-effort basis.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds an Archiver from cfg. Construction fails only if AWS
// credentials/config cannot be resolved at all; per-object upload failures
// never propagate past Archive.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}, nil
}

// Archive uploads path to the configured bucket under
// "<prefix>/<base name>". Failures are logged, never returned — the pruner
// calls this immediately before an os.Remove it must not skip.
func (a *Archiver) Archive(path string) {
	if a == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		logger.Warn("archive: skip %s: %v", path, err)
		return
	}
	defer f.Close()

	key := filepath.Join(a.prefix, filepath.Base(path))

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		logger.Warn("archive: upload %s to s3://%s/%s failed: %v", path, a.bucket, key, err)
		return
	}

	logger.Info("archive: uploaded %s to s3://%s/%s", path, a.bucket, key)
}
