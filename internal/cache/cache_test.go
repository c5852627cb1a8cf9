package cache

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHashSetGetDelete(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBatch()
	if err := b.HSet(HashOrderEntities, "o1", []byte("view-1")); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	v, ok, err := s.HGet(HashOrderEntities, "o1")
	if err != nil || !ok {
		t.Fatalf("hget: ok=%v err=%v", ok, err)
	}
	if string(v) != "view-1" {
		t.Fatalf("got %q", v)
	}

	b = s.NewBatch()
	if err := b.HDel(HashOrderEntities, "o1"); err != nil {
		t.Fatalf("hdel: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok, _ := s.HGet(HashOrderEntities, "o1"); ok {
		t.Fatalf("field should be gone")
	}
}

func TestZSetOrderingAndMove(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBatch()
	_ = b.ZAdd(ZSetOrders, "o1", 100)
	_ = b.ZAdd(ZSetOrders, "o2", 300)
	_ = b.ZAdd(ZSetOrders, "o3", 200)
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.ZRevRange(ZSetOrders, 0, 0)
	if err != nil {
		t.Fatalf("zrevrange: %v", err)
	}
	want := []string{"o2", "o3", "o1"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}

	// Moving o1 to the top must not leave the old score entry behind.
	b = s.NewBatch()
	_ = b.ZAdd(ZSetOrders, "o1", 400)
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ = s.ZRevRange(ZSetOrders, 0, 0)
	if len(got) != 3 || got[0] != "o1" {
		t.Fatalf("after move got %v", got)
	}
}

func TestZRemAndOffsetLimit(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBatch()
	for i, m := range []string{"a", "b", "c", "d"} {
		_ = b.ZAdd(UserOrders("u1"), m, int64(10*(i+1)))
	}
	_ = b.ZRem(UserOrders("u1"), "d")
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.ZRevRange(UserOrders("u1"), 1, 1)
	if err != nil {
		t.Fatalf("zrevrange: %v", err)
	}
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("got %v want [b]", got)
	}
}

func TestBatchIsAtomic(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBatch()
	_ = b.HSet(HashOrderEntities, "o1", []byte("v"))
	_ = b.ZAdd(ZSetOrders, "o1", 1)
	b.Discard()

	if _, ok, _ := s.HGet(HashOrderEntities, "o1"); ok {
		t.Fatalf("discarded batch must not be visible")
	}
	if got, _ := s.ZRevRange(ZSetOrders, 0, 0); len(got) != 0 {
		t.Fatalf("discarded batch must not be visible: %v", got)
	}
}
