package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Needs a throwaway Redis: REDIS_TEST_ADDR=localhost:6379 go test ./...
func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	name := "framefarm:test:" + t.Name()
	rdb.Del(context.Background(), name)
	return NewRedisQueue(rdb, name)
}

func TestPushPopFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"job_1", "job_2", "job_3"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := q.Len(ctx); err != nil || n != 3 {
		t.Fatalf("Len = %d (%v)", n, err)
	}
	for _, want := range []string{"job_1", "job_2", "job_3"} {
		got, err := q.Pop(ctx, time.Second)
		if err != nil || got != want {
			t.Fatalf("Pop = %q (%v), want %q", got, err, want)
		}
	}
}

func TestPopTimeout(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.Pop(context.Background(), 100*time.Millisecond)
	if err != nil || got != "" {
		t.Errorf("expected empty pop on timeout, got %q (%v)", got, err)
	}
}

func TestCancelRequests(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reqs := q.CancelRequests(ctx)
	// Subscribe is asynchronous; publish until the subscriber sees one.
	go func() {
		for ctx.Err() == nil {
			_ = q.Cancel(ctx, "job_9")
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case id := <-reqs:
		if id != "job_9" {
			t.Errorf("got cancel for %q", id)
		}
	case <-ctx.Done():
		t.Fatal("no cancel request received")
	}
}
