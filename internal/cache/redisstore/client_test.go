package redisstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr(), WithDialTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestPutGetDelete_HappyPath(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rc.Put(ctx, "ag-v1/00aabbccddeeff00", []byte("v1"), 5*time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := rc.Get(ctx, "ag-v1/00aabbccddeeff00")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get: got=%q ok=%v err=%v", got, ok, err)
	}

	if _, ok, err := rc.Get(ctx, "ag-v1/ffffffffffffffff"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	if err := rc.Delete(ctx, "ag-v1/00aabbccddeeff00"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := rc.Get(ctx, "ag-v1/00aabbccddeeff00"); ok {
		t.Fatal("key must be gone after Delete")
	}
}

func TestGetMany_FiltersMissing(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	kv := map[string][]byte{
		"ag-v1/k1": []byte("v1"),
		"ag-v1/k2": []byte("v2"),
	}
	if err := rc.PutMany(ctx, kv, time.Minute); err != nil {
		t.Fatalf("PutMany: %v", err)
	}

	got, err := rc.GetMany(ctx, []string{"ag-v1/k1", "ag-v1/k2", "ag-v1/missing"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetMany size=%d want 2", len(got))
	}
	if string(got["ag-v1/k1"]) != "v1" || string(got["ag-v1/k2"]) != "v2" {
		t.Fatalf("unexpected values: %+v", got)
	}
}

func TestPurgeModel_OnlyTargetNamespace(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, k := range []string{"ag-v1/a1", "ag-v1/a2", "ag-v2/b1"} {
		if err := rc.Put(ctx, k, []byte("x"), time.Minute); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	n, err := rc.PurgeModel(ctx, "ag-v1")
	if err != nil {
		t.Fatalf("PurgeModel: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d entries, want 2", n)
	}

	if _, ok, _ := rc.Get(ctx, "ag-v1/a1"); ok {
		t.Fatal("ag-v1 entry survived the purge")
	}
	if _, ok, _ := rc.Get(ctx, "ag-v2/b1"); !ok {
		t.Fatal("ag-v2 entry must survive an ag-v1 purge")
	}
}

func TestContextCancellation_IsRespected(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rc.Put(ctx, "ag-v1/k", []byte("v"), time.Second); err == nil {
		t.Fatal("expected error on Put with canceled context")
	}
	if _, err := rc.GetMany(ctx, []string{"ag-v1/k"}); err == nil {
		t.Fatal("expected error on GetMany with canceled context")
	}
	if err := rc.Delete(ctx, "ag-v1/k"); err == nil {
		t.Fatal("expected error on Delete with canceled context")
	}
}
