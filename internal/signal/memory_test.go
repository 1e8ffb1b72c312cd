package signal

import (
	"context"
	"encoding/json"
	"testing"
)

type testDoc struct {
	Name string `json:"name"`
}

func TestMemoryChannelReadAbsent(t *testing.T) {
	m := NewMemoryChannel()
	_, ok, err := m.ReadDocOnce(context.Background(), "a/b")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ok {
		t.Fatal("expected absent doc")
	}
}

func TestMemoryChannelWriteRead(t *testing.T) {
	m := NewMemoryChannel()
	ctx := context.Background()
	if err := m.WriteDoc(ctx, "s/offers/latest", testDoc{Name: "one"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, ok, err := m.ReadDocOnce(ctx, "s/offers/latest")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	var d testDoc
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Name != "one" {
		t.Fatalf("expected one, got %q", d.Name)
	}
}

func TestMemoryChannelWatchReplaysExisting(t *testing.T) {
	m := NewMemoryChannel()
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if err := m.AppendDoc(ctx, "s/candidates", testDoc{Name: name}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var got []string
	handle, err := m.WatchCollection("s/candidates", func(raw json.RawMessage) {
		var d testDoc
		if err := json.Unmarshal(raw, &d); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, d.Name)
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer handle.Unsubscribe()

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected replay [a b], got %v", got)
	}

	if err := m.AppendDoc(ctx, "s/candidates", testDoc{Name: "c"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(got) != 3 || got[2] != "c" {
		t.Fatalf("expected live add c, got %v", got)
	}
}

func TestMemoryChannelOverwriteNotifies(t *testing.T) {
	m := NewMemoryChannel()
	ctx := context.Background()
	if err := m.WriteDoc(ctx, "s/answers/v1", testDoc{Name: "first"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	count := 0
	handle, err := m.WatchCollection("s/answers", func(json.RawMessage) { count++ })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer handle.Unsubscribe()
	if count != 1 {
		t.Fatalf("expected replay of 1, got %d", count)
	}

	if err := m.WriteDoc(ctx, "s/answers/v1", testDoc{Name: "second"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected overwrite to notify, got %d events", count)
	}
}

func TestMemoryChannelUnsubscribeStopsEvents(t *testing.T) {
	m := NewMemoryChannel()
	count := 0
	handle, err := m.WatchCollection("s/c", func(json.RawMessage) { count++ })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	handle.Unsubscribe()
	handle.Unsubscribe() // idempotent

	if err := m.AppendDoc(context.Background(), "s/c", testDoc{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no events after unsubscribe, got %d", count)
	}
}

func TestMemoryChannelDelete(t *testing.T) {
	m := NewMemoryChannel()
	ctx := context.Background()
	if err := m.WriteDoc(ctx, "s/offers/latest", testDoc{Name: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.DeleteDoc(ctx, "s/offers/latest"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := m.ReadDocOnce(ctx, "s/offers/latest"); ok {
		t.Fatal("expected doc gone after delete")
	}
	if err := m.DeleteDoc(ctx, "s/offers/latest"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}

	// A deleted path no longer replays to new watchers.
	count := 0
	handle, err := m.WatchCollection("s/offers", func(json.RawMessage) { count++ })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer handle.Unsubscribe()
	if count != 0 {
		t.Fatalf("expected no replay after delete, got %d", count)
	}
}
