package statusstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

func TestMemoryPutGet(t *testing.T) {
	s := NewMemory(time.Hour)
	ctx := context.Background()
	st := service.Status{State: service.StateFinished, LastSeqNum: 9, Response: []byte("receipt")}
	if err := s.Put(ctx, "t1", st); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	st.Response[0] = 'X'

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != service.StateFinished || got.LastSeqNum != 9 || string(got.Response) != "receipt" {
		t.Fatalf("Get = %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Unix(5000, 0)
	s := NewMemory(time.Minute)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Put(ctx, "old", service.Status{State: service.StateFailed})
	now = now.Add(30 * time.Second)
	s.Put(ctx, "new", service.Status{State: service.StateCanceled})
	now = now.Add(45 * time.Second)

	if _, err := s.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired entry returned: %v", err)
	}
	if _, err := s.Get(ctx, "new"); err != nil {
		t.Errorf("fresh entry missing: %v", err)
	}
	n, _ := s.Cleanup(ctx, time.Time{})
	if n != 1 || s.Len() != 1 {
		t.Errorf("Cleanup removed %d, remaining %d", n, s.Len())
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("FT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres error: %v", err)
	}
	defer s.Close()

	id := uuid.NewString()
	want := service.Status{State: service.StateFailed, LastSeqNum: 3, ErrorCode: service.CodeProtocolViolation, ErrorMessage: "bad"}
	if err := s.Put(ctx, id, want); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	want.LastSeqNum = 4
	if err := s.Put(ctx, id, want); err != nil {
		t.Fatalf("second Put error: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != want.State || got.LastSeqNum != 4 || got.ErrorCode != want.ErrorCode {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}
	if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	if _, err := s.Cleanup(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Cleanup error: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after cleanup = %v, want ErrNotFound", err)
	}
}
