package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestAcquire_Succeeds(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO coordination_locks`).
		WithArgs("group1:leader", "peer-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.Acquire(context.Background(), "group1:leader", "peer-a", 10)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Error("expected Acquire to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAcquire_FailsWhenHeldByOther(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO coordination_locks`).
		WithArgs("group1:leader", "peer-b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Acquire(context.Background(), "group1:leader", "peer-b", 10)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ok {
		t.Error("expected Acquire to fail when another holder owns the lock")
	}
}

func TestRenew_FailsWhenNotHolder(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE coordination_locks SET expires_at`).
		WithArgs(sqlmock.AnyArg(), "group1:leader", "peer-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Renew(context.Background(), "group1:leader", "peer-a", 10)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if ok {
		t.Error("expected Renew to fail")
	}
}

func TestRead_ReturnsEmptyWhenUnbound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT holder FROM coordination_locks`).
		WithArgs("group1:leader").
		WillReturnError(sql.ErrNoRows)

	holder, err := s.Read(context.Background(), "group1:leader")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if holder != "" {
		t.Errorf("expected empty holder, got %q", holder)
	}
}
