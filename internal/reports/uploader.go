package reports

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader archives generated reports to an S3 bucket. Upload failures
// do not fail report generation; the caller still gets the bytes.
type Uploader struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

func NewUploader(ctx context.Context, bucket, region string, logger *slog.Logger) (*Uploader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		logger: logger,
	}, nil
}

// Upload stores the report under reports/<tenant>/<date>/<filename> and
// returns the object key.
func (u *Uploader) Upload(ctx context.Context, tenantID string, report *Report) (string, error) {
	key := fmt.Sprintf("reports/%s/%s/%s", tenantID, time.Now().Format("2006-01-02"), report.Filename)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(report.Data),
		ContentType: aws.String(report.MimeType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading report: %w", err)
	}

	u.logger.Info("report archived",
		"bucket", u.bucket,
		"key", key,
		"size", len(report.Data))

	return key, nil
}
