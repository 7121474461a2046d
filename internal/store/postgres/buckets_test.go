package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"cidd/internal/store"
)

func TestClaimBucket_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE buckets`).
		WithArgs(store.BucketStatusClaimed, "peer-a", "host-a", "bucket-1", store.BucketStatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.ClaimBucket(context.Background(), "bucket-1", "peer-a", "host-a"); err != nil {
		t.Fatalf("ClaimBucket failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaimBucket_AlreadyClaimed(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE buckets`).
		WithArgs(store.BucketStatusClaimed, "peer-a", "host-a", "bucket-1", store.BucketStatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ClaimBucket(context.Background(), "bucket-1", "peer-a", "host-a")
	if err == nil {
		t.Fatal("expected error when bucket is no longer queued")
	}
}

func TestMarkProcessingFailed(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE buckets`).
		WithArgs(store.BucketStatusProcessingFailed, "worker unreachable", "bucket-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkProcessingFailed(context.Background(), "bucket-1", "worker unreachable"); err != nil {
		t.Fatalf("MarkProcessingFailed failed: %v", err)
	}
}
