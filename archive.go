package launcher

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// LogArchiver copies the bot's log file to S3 after each run.
type LogArchiver struct {
	Bucket string
	Prefix string
	up     uploader
}

func NewLogArchiver(ctx context.Context, bucket, prefix string) (*LogArchiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}
	return &LogArchiver{
		Bucket: bucket,
		Prefix: prefix,
		up:     manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

func (a *LogArchiver) objectKey(runID, logFile string, at time.Time) string {
	return path.Join(a.Prefix, at.UTC().Format("2006-01-02"), runID, filepath.Base(logFile))
}

// Archive uploads logFile under a key derived from runID and returns the key.
func (a *LogArchiver) Archive(ctx context.Context, runID, logFile string) (string, error) {
	f, err := os.Open(logFile)
	if err != nil {
		return "", errors.Wrap(err, "opening bot log")
	}
	defer f.Close()

	key := a.objectKey(runID, logFile, time.Now())
	_, err = a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", errors.Wrapf(err, "uploading bot log to s3://%s/%s", a.Bucket, key)
	}
	slog.Info("archived bot log", "bucket", a.Bucket, "key", key)
	return key, nil
}
