// Package online fetches segments produced by external encoding services
// (YouTube, Bitmovin, Vimeo) from the exchange bucket they deliver to.
package online

import (
	"context"
	"io"
	"os"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/pnats2avhd/processing-chain/internal/config"
	"github.com/pnats2avhd/processing-chain/internal/params"
	"github.com/pnats2avhd/processing-chain/internal/testconfig"
	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

// Service downloads finished online encodes from S3-compatible storage.
// Keys are laid out as <database>/<encoder>/<segment filename>.
type Service struct {
	client *s3.Client
	bucket string
	log    logger.Logger
}

// New builds the S3 client from static credentials. Non-AWS endpoints
// (MinIO and friends) need path-style addressing.
func New(cfg config.S3Config, log logger.Logger) (*Service, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "loading S3 configuration")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = &cfg.Endpoint
		}
	})
	return &Service{client: client, bucket: cfg.Bucket, log: log}, nil
}

// FetchSegment downloads one online-encoded segment to dest. It fails when
// the service has not delivered the segment yet; re-running the stage
// later picks it up.
func (s *Service) FetchSegment(ctx context.Context, pvs *testconfig.Pvs, plan *params.SegmentPlan, dest string) error {
	key := path.Join(pvs.Database().DatabaseID, pvs.Hrc.VideoCoding.Encoder, plan.Filename)
	s.log.Infof("downloading s3://%s/%s", s.bucket, key)

	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return errors.Wrapf(err, "getting s3://%s/%s", s.bucket, key)
	}
	defer obj.Body.Close()

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "downloading %s", key)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "closing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, dest), "moving %s into place", tmp)
}
