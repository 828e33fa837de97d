package s3

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/icebox-go/icebox/pkg/backend"
)

const testBucket = "icebox-test"

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	mem := s3mem.New()
	if err := mem.CreateBucket(testBucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	server := httptest.NewServer(gofakes3.New(mem).Server())
	t.Cleanup(server.Close)

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("key", "secret", "")),
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		t.Fatalf("aws config: %v", err)
	}
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(server.URL)
		o.UsePathStyle = true
	})
	return NewWithClient(client, testBucket, filepath.Join(t.TempDir(), "staging"), types.StorageClassStandard, 3)
}

func TestStoreRetrieveDelete(t *testing.T) {
	ctx := context.Background()
	be := newTestArchive(t)

	if err := be.BoxInit(ctx); err != nil {
		t.Fatalf("box init: %v", err)
	}

	content := []byte("cold storage payload")
	src := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := be.Store(ctx, src, "obj-1.data")
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	// STANDARD-class objects need no restore, so the job is done immediately.
	job, err := be.RetrieveInit(ctx, key, nil)
	if err != nil {
		t.Fatalf("retrieve init: %v", err)
	}
	status, err := be.RetrieveStatus(ctx, job, job)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != backend.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded", status)
	}

	local, err := be.RetrieveFinish(ctx, job)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("retrieved content differs")
	}

	if err := be.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Idempotent delete.
	if err := be.Delete(ctx, key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := be.statusOf(ctx, job); err == nil {
		t.Fatal("status of deleted object should fail")
	}
}

func TestArchiveIsAsyncRetriever(t *testing.T) {
	var be backend.Backend = newTestArchive(t)
	if _, ok := be.(backend.AsyncRetriever); !ok {
		t.Fatal("s3 backend must implement AsyncRetriever")
	}
	if _, ok := be.(backend.SyncRetriever); ok {
		t.Fatal("s3 backend must not implement SyncRetriever")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), backend.Config{Kind: "s3"}); err == nil {
		t.Fatal("expected error when bucket missing")
	}
}
