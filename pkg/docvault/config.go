package docvault

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/calvinalkan/docvault/internal/config"
	"github.com/calvinalkan/docvault/internal/logging"
	"github.com/calvinalkan/docvault/pkg/kv"
	"github.com/calvinalkan/docvault/pkg/kv/dynamokv"
	"github.com/calvinalkan/docvault/pkg/kv/miniokv"
	"github.com/calvinalkan/docvault/pkg/kv/s3kv"
	"github.com/calvinalkan/docvault/pkg/vault"
)

// OpenConfig opens the database described by cfg.
//
// Fields of opts that cfg covers (name, store, iterations, compression,
// await_flush, flush_min_interval) are replaced. Passphrase, Registerer and
// Hook are taken from opts. A nil opts.Logger is built from cfg.Log on
// stderr.
func OpenConfig(ctx context.Context, cfg config.Config, opts Options) (*DB, error) {
	err := config.Validate(cfg)
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
	}

	store, err := NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	opts.Name = cfg.Name
	opts.Store = store
	opts.Iterations = cfg.KDFIterations
	opts.Compression = vault.Compression(cfg.Compression)
	opts.AwaitFlush = cfg.AwaitFlush
	opts.FlushMinInterval = time.Duration(cfg.FlushMinInterval)

	return Open(ctx, opts)
}

// NewStore builds the blob store backend selected by cfg.Kind. AWS clients
// use the default credential chain.
func NewStore(ctx context.Context, cfg config.Store) (kv.Store, error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return kv.NewMemory(), nil
	case config.StoreDir:
		dir, err := kv.NewDir(cfg.Dir.Path)
		if err != nil {
			return nil, err
		}

		return dir, nil
	case config.StoreS3:
		awsCfg, err := loadAWS(ctx, cfg.S3.Region)
		if err != nil {
			return nil, err
		}

		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
				o.UsePathStyle = true
			}
		})

		return s3kv.New(client, cfg.S3.Bucket, cfg.S3.Prefix), nil
	case config.StoreMinIO:
		client, err := minio.New(cfg.MinIO.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, ""),
			Secure: cfg.MinIO.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}

		return miniokv.New(client, cfg.MinIO.Bucket, cfg.MinIO.Prefix), nil
	case config.StoreDynamoDB:
		awsCfg, err := loadAWS(ctx, cfg.DynamoDB.Region)
		if err != nil {
			return nil, err
		}

		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
			}
		})

		return dynamokv.New(client, cfg.DynamoDB.Table, ""), nil
	default:
		return nil, fmt.Errorf("%w: unknown store kind %q", config.ErrConfigInvalid, cfg.Kind)
	}
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}

	return awsCfg, nil
}
