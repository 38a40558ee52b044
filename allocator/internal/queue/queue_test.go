package queue

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/spacebridge/dbopen"

	_ "modernc.org/sqlite"
)

func newQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return New(db, time.Minute, func() time.Time { return now }), &now
}

func TestClaimHidesJob(t *testing.T) {
	q, now := newQueue(t)
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", []byte(`{"bytes":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	job, err := q.Claim(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if job.ID != "j1" || job.Attempts != 1 {
		t.Errorf("job: %+v", job)
	}
	if again, _ := q.Claim(ctx); again != nil {
		t.Fatal("claimed job must be invisible")
	}

	*now = now.Add(2 * time.Minute)
	job, _ = q.Claim(ctx)
	if job == nil || job.Attempts != 2 {
		t.Fatalf("job should reappear after the visibility timeout: %+v", job)
	}
}

func TestDeferAndAck(t *testing.T) {
	q, now := newQueue(t)
	ctx := context.Background()
	q.Publish(ctx, "j1", []byte("x"))

	job, _ := q.Claim(ctx)
	if err := q.Defer(ctx, job.ID, 10*time.Second, "short by 10 bytes"); err != nil {
		t.Fatalf("defer: %v", err)
	}
	*now = now.Add(11 * time.Second)
	job, _ = q.Claim(ctx)
	if job == nil || job.LastError != "short by 10 bytes" {
		t.Fatalf("deferred job: %+v", job)
	}
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("len after ack: %d", n)
	}
}
