package brain

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"remindbot/pkg/logx"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(dir, "brain.sqlite"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	rec := json.RawMessage(`["0 9 * * 1",{"id":"u1","name":"a","room":"r"},"hi",{"messageId":"m"},false]`)
	if err := st.Set(ctx, "reminders", "1", rec); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Upsert replaces in place.
	rec2 := json.RawMessage(`["0 9 * * 1",{"id":"u1","name":"a","room":"r"},"updated",{"messageId":"m"},false]`)
	if err := st.Set(ctx, "reminders", "1", rec2); err != nil {
		t.Fatalf("Set (upsert): %v", err)
	}

	got, err := st.Get(ctx, "reminders")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || string(got["1"]) != string(rec2) {
		t.Fatalf("records = %v", got)
	}

	if err := st.Delete(ctx, "reminders", "1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, "reminders", "1"); err != nil {
		t.Fatalf("Delete is not idempotent: %v", err)
	}
	got, _ = st.Get(ctx, "reminders")
	if len(got) != 0 {
		t.Fatalf("records after delete = %d", len(got))
	}
}
