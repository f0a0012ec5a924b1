// Package objstore 附件对象存储（S3 兼容）。
package objstore

import (
	"context"
	"strings"

	"ChatCore/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

type Config struct {
	Bucket       string
	Region       string
	Endpoint     string // 为空走 AWS 默认解析
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3 删除临时附件对象；未配置 bucket 时所有操作为空操作
type S3 struct {
	bucket string
	client *s3.Client
}

func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	st := &S3{bucket: strings.TrimSpace(cfg.Bucket)}
	if st.bucket == "" {
		logger.Warn("[OBJSTORE] bucket not set, attachment objects will not be removed")
		return st, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	st.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return st, nil
}

// Enabled 是否配置了 bucket
func (s *S3) Enabled() bool { return s.client != nil }

// Remove 删除对象；S3 对不存在的 key 也返回成功
func (s *S3) Remove(ctx context.Context, key string) error {
	if s.client == nil {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(strings.TrimPrefix(key, "/")),
	})
	if err != nil {
		return errors.Wrapf(err, "delete s3://%s/%s", s.bucket, key)
	}
	return nil
}
