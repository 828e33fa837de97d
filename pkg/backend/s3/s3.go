// Package s3 implements the asynchronous cloud-archive backend on top of
// Amazon S3 archival storage classes. Store uploads with a configurable
// storage class; retrieval uses the RestoreObject flow, polling the restore
// state via HeadObject.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/icebox-go/icebox/pkg/backend"
)

func init() {
	backend.Register("s3", func(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
		return New(ctx, cfg)
	})
}

// Archive talks to one bucket. JobIDs are object keys: an S3 restore is
// addressed by the object itself, not by a separate job handle.
type Archive struct {
	client       *awss3.Client
	bucket       string
	staging      string
	storageClass types.StorageClass
	restoreDays  int32
}

// New builds an Archive from box configuration. Parameters: "bucket"
// (required), "region", "endpoint", "access-key", "secret-key",
// "session-token", "path-style", "storage-class" (default DEEP_ARCHIVE) and
// "restore-days" (default 3).
func New(ctx context.Context, cfg backend.Config) (*Archive, error) {
	bucket := cfg.Param("bucket", "")
	if bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	days, err := strconv.Atoi(cfg.Param("restore-days", "3"))
	if err != nil || days < 1 {
		return nil, fmt.Errorf("s3: bad restore-days %q", cfg.Param("restore-days", ""))
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Param("region", "us-east-1")),
	}
	if cfg.Param("endpoint", "") != "" {
		// Third-party S3-compatible endpoints often reject the default
		// checksum headers.
		loadOpts = append(loadOpts, awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired))
	}
	if access := cfg.Param("access-key", ""); access != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(access, cfg.Param("secret-key", ""), cfg.Param("session-token", "")),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if endpoint := cfg.Param("endpoint", ""); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.Param("path-style", "") == "true" {
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, bucket, filepath.Join(cfg.BoxPath, "staging"),
		types.StorageClass(cfg.Param("storage-class", string(types.StorageClassDeepArchive))),
		int32(days)), nil
}

// NewWithClient builds an Archive over an existing client, mainly for tests.
func NewWithClient(client *awss3.Client, bucket, staging string, class types.StorageClass, restoreDays int32) *Archive {
	return &Archive{
		client:       client,
		bucket:       bucket,
		staging:      staging,
		storageClass: class,
		restoreDays:  restoreDays,
	}
}

func (a *Archive) BoxInit(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("s3: bucket %s not reachable: %w", a.bucket, err)
	}
	return nil
}

func (a *Archive) Store(ctx context.Context, localPath, name string) (backend.Key, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, err = a.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(name),
		Body:         f,
		StorageClass: a.storageClass,
	})
	if err != nil {
		return "", fmt.Errorf("s3: put %s: %w", name, err)
	}
	return backend.Key(name), nil
}

func (a *Archive) Delete(ctx context.Context, key backend.Key) error {
	// DeleteObject is idempotent by S3 contract.
	_, err := a.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(string(key)),
	})
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", key, err)
	}
	return nil
}

func (a *Archive) RetrieveInit(ctx context.Context, key backend.Key, opts backend.Options) (backend.JobID, error) {
	tier := types.TierStandard
	if raw := opts["tier"]; raw != "" {
		tier = types.Tier(raw)
	}
	_, err := a.client.RestoreObject(ctx, &awss3.RestoreObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(string(key)),
		RestoreRequest: &types.RestoreRequest{
			Days:                 aws.Int32(a.restoreDays),
			GlacierJobParameters: &types.GlacierJobParameters{Tier: tier},
		},
	})
	if err != nil && !restoreNotNeeded(err) {
		return "", fmt.Errorf("s3: restore %s: %w", key, err)
	}
	return backend.JobID(key), nil
}

func (a *Archive) RetrieveStatus(ctx context.Context, dataJob, metaJob backend.JobID) (backend.JobStatus, error) {
	dataStatus, err := a.statusOf(ctx, dataJob)
	if err != nil {
		return backend.StatusFailed, err
	}
	metaStatus, err := a.statusOf(ctx, metaJob)
	if err != nil {
		return backend.StatusFailed, err
	}
	return backend.CombineStatus(dataStatus, metaStatus), nil
}

func (a *Archive) RetrieveFinish(ctx context.Context, job backend.JobID) (string, error) {
	out, err := a.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(string(job)),
	})
	if err != nil {
		return "", fmt.Errorf("s3: get %s: %w", job, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(a.staging, 0o700); err != nil {
		return "", err
	}
	dst, err := os.CreateTemp(a.staging, "retrieve-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, out.Body); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("s3: download %s: %w", job, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (a *Archive) statusOf(ctx context.Context, job backend.JobID) (backend.JobStatus, error) {
	out, err := a.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(string(job)),
	})
	if err != nil {
		return backend.StatusFailed, fmt.Errorf("s3: head %s: %w", job, err)
	}
	if out.Restore != nil {
		if strings.Contains(*out.Restore, `ongoing-request="true"`) {
			return backend.StatusRunning, nil
		}
		return backend.StatusSucceeded, nil
	}
	// No restore state. Objects in a non-archival class are readable as-is;
	// for archival classes a missing restore means the job expired or was
	// never accepted.
	if isArchivalClass(out.StorageClass) {
		return backend.StatusFailed, nil
	}
	return backend.StatusSucceeded, nil
}

func isArchivalClass(class types.StorageClass) bool {
	switch class {
	case types.StorageClassGlacier, types.StorageClassDeepArchive:
		return true
	default:
		return false
	}
}

// restoreNotNeeded reports whether a RestoreObject error means the object is
// already retrievable or a restore is already underway.
func restoreNotNeeded(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InvalidObjectState", "RestoreAlreadyInProgress", "NotImplemented", "MethodNotAllowed":
		return true
	default:
		return false
	}
}
