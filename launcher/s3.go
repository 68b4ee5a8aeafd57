package launcher

import (
	"bytes"
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	aws_v2 "github.com/aws/aws-sdk-go-v2/aws"
	aws_s3_v2 "github.com/aws/aws-sdk-go-v2/service/s3"
	aws_s3_v2_types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ml-infra/dist-launcher/pkg/fileutil"
)

// uploadToS3 uploads the config snapshot, the launcher log file, and any
// fetched node outputs. Upload failures are logged, not fatal; a job that
// trained successfully should not be failed by an artifact store hiccup.
func (ts *Launcher) uploadToS3() (err error) {
	if ts.s3API == nil || ts.cfg.S3.BucketName == "" {
		ts.lg.Info("skipping s3 uploads; s3 is not enabled")
		return nil
	}

	if err = ts.uploadFileToS3(
		path.Join(ts.cfg.S3.KeyPrefix, filepath.Base(ts.cfg.ConfigPath)),
		ts.cfg.ConfigPath,
	); err != nil {
		return err
	}

	logFilePath := ""
	for _, fpath := range ts.cfg.LogOutputs {
		if filepath.Ext(fpath) == ".log" {
			logFilePath = fpath
			break
		}
	}
	if fileutil.Exist(logFilePath) {
		if err = ts.uploadFileToS3(
			path.Join(ts.cfg.S3.KeyPrefix, "dist-launcher.log"),
			logFilePath,
		); err != nil {
			return err
		}
	}

	ts.logsMu.RLock()
	defer ts.logsMu.RUnlock()
	for _, fpaths := range ts.outputs {
		for _, fpath := range fpaths {
			if !fileutil.Exist(fpath) {
				continue
			}
			if err = ts.uploadFileToS3(
				path.Join(ts.cfg.S3.KeyPrefix, "outputs", filepath.Base(fpath)),
				fpath,
			); err != nil {
				return err
			}
		}
	}

	return nil
}

func (ts *Launcher) uploadFileToS3(s3Key string, fpath string) error {
	d, err := os.ReadFile(fpath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err = ts.s3API.PutObject(ctx, &aws_s3_v2.PutObjectInput{
		Bucket: aws_v2.String(ts.cfg.S3.BucketName),
		Key:    aws_v2.String(s3Key),
		Body:   bytes.NewReader(d),

		ACL: aws_s3_v2_types.ObjectCannedACLPrivate,

		Metadata: map[string]string{
			"Kind": "dist-launcher",
		},
	})
	if err == nil {
		ts.lg.Info("uploaded",
			zap.String("bucket", ts.cfg.S3.BucketName),
			zap.String("remote-path", s3Key),
			zap.String("size", humanize.Bytes(uint64(len(d)))),
		)
	} else {
		ts.lg.Warn("failed to upload",
			zap.String("bucket", ts.cfg.S3.BucketName),
			zap.String("remote-path", s3Key),
			zap.Error(err),
		)
	}
	return err
}
