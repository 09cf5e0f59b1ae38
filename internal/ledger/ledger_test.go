package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates a SQLite-backed SQLStore in a temporary directory.
// The database is automatically cleaned up when the test finishes.
func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(id string) *UploadRecord {
	return &UploadRecord{
		ID:               id,
		Name:             "holiday",
		Extension:        ".png",
		OriginalFileName: "holiday.png",
		MediaType:        "image/png",
		Metadata:         "name aG9saWRheS5wbmc=",
		Length:           1000,
		Status:           StatusPending,
		OwnerID:          "owner1",
		CreatedBy:        "Owner One",
		CreatedAt:        time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC),
	}
}

// ledgerFactories lists the engines that can run without external services.
func ledgerFactories() map[string]func(t *testing.T) Ledger {
	return map[string]func(t *testing.T) Ledger{
		"sqlite": func(t *testing.T) Ledger { return newTestStore(t) },
		"memory": func(t *testing.T) Ledger { return NewMemoryStore() },
		"dynamodb": func(t *testing.T) Ledger {
			return NewDynamoDBStoreWithClient(newMockDynamoDB(), "uploads")
		},
	}
}

func TestLedgerCreateGet(t *testing.T) {
	for name, factory := range ledgerFactories() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			rec := sampleRecord("abc12")
			if err := l.Create(ctx, rec); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := l.Get(ctx, "abc12")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got == nil {
				t.Fatal("Get returned nil")
			}
			if got.Name != "holiday" || got.Extension != ".png" {
				t.Errorf("Name/Extension = %q/%q, want holiday/.png", got.Name, got.Extension)
			}
			if got.Length != 1000 {
				t.Errorf("Length = %d, want 1000", got.Length)
			}
			if got.Status != StatusPending {
				t.Errorf("Status = %q, want Pending", got.Status)
			}
			if !got.CreatedAt.Equal(rec.CreatedAt) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
			}
			if got.PendingForDeletionAt != nil {
				t.Errorf("PendingForDeletionAt = %v, want nil", got.PendingForDeletionAt)
			}
			if got.Metadata != rec.Metadata {
				t.Errorf("Metadata = %q, want %q", got.Metadata, rec.Metadata)
			}
		})
	}
}

func TestLedgerGetMissing(t *testing.T) {
	for name, factory := range ledgerFactories() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			got, err := l.Get(context.Background(), "nope")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got != nil {
				t.Errorf("Get = %+v, want nil", got)
			}
		})
	}
}

func TestLedgerDuplicateID(t *testing.T) {
	for name, factory := range ledgerFactories() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			if err := l.Create(ctx, sampleRecord("dup01")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			err := l.Create(ctx, sampleRecord("dup01"))
			if !errors.Is(err, ErrDuplicateID) {
				t.Errorf("second Create = %v, want ErrDuplicateID", err)
			}
		})
	}
}

func TestLedgerExists(t *testing.T) {
	for name, factory := range ledgerFactories() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			ok, err := l.Exists(ctx, "abc12")
			if err != nil || ok {
				t.Fatalf("Exists before create = (%v, %v), want (false, nil)", ok, err)
			}
			if err := l.Create(ctx, sampleRecord("abc12")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			ok, err = l.Exists(ctx, "abc12")
			if err != nil || !ok {
				t.Fatalf("Exists after create = (%v, %v), want (true, nil)", ok, err)
			}
		})
	}
}

func TestLedgerUpdateProgress(t *testing.T) {
	for name, factory := range ledgerFactories() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			rec := sampleRecord("up001")
			if err := l.Create(ctx, rec); err != nil {
				t.Fatalf("Create: %v", err)
			}

			rec.UploadedLength = 600
			rec.BlockNumber = 2
			rec.BlockIDs = []string{"b0", "b1"}
			rec.ProviderUploadID = "mpu-1"
			if err := l.Update(ctx, rec); err != nil {
				t.Fatalf("Update: %v", err)
			}

			got, err := l.Get(ctx, "up001")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.UploadedLength != 600 {
				t.Errorf("UploadedLength = %d, want 600", got.UploadedLength)
			}
			if got.BlockNumber != 2 {
				t.Errorf("BlockNumber = %d, want 2", got.BlockNumber)
			}
			if len(got.BlockIDs) != 2 || got.BlockIDs[0] != "b0" || got.BlockIDs[1] != "b1" {
				t.Errorf("BlockIDs = %v, want [b0 b1]", got.BlockIDs)
			}
			if got.ProviderUploadID != "mpu-1" {
				t.Errorf("ProviderUploadID = %q, want mpu-1", got.ProviderUploadID)
			}

			rec.UploadedLength = 1000
			rec.Status = StatusComplete
			rec.ProviderUploadID = ""
			if err := l.Update(ctx, rec); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, _ = l.Get(ctx, "up001")
			if got.Status != StatusComplete || got.ProviderUploadID != "" {
				t.Errorf("after complete: Status=%q ProviderUploadID=%q", got.Status, got.ProviderUploadID)
			}
		})
	}
}

func TestLedgerUpdateMissing(t *testing.T) {
	for name, factory := range ledgerFactories() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			if err := l.Update(context.Background(), sampleRecord("ghost")); err == nil {
				t.Error("Update of missing record should fail")
			}
		})
	}
}

func TestLedgerDeleteIdempotent(t *testing.T) {
	for name, factory := range ledgerFactories() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			if err := l.Create(ctx, sampleRecord("del01")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := l.Delete(ctx, "del01"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := l.Delete(ctx, "del01"); err != nil {
				t.Fatalf("second Delete: %v", err)
			}
			got, _ := l.Get(ctx, "del01")
			if got != nil {
				t.Error("record still present after Delete")
			}
		})
	}
}

func TestLedgerListDueForDeletion(t *testing.T) {
	for name, factory := range ledgerFactories() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

			past := now.Add(-time.Minute)
			future := now.Add(time.Hour)

			due := sampleRecord("due01")
			due.PendingForDeletionAt = &past
			exact := sampleRecord("due02")
			exact.PendingForDeletionAt = &now
			later := sampleRecord("later")
			later.PendingForDeletionAt = &future
			keep := sampleRecord("keep1")

			for _, r := range []*UploadRecord{due, exact, later, keep} {
				if err := l.Create(ctx, r); err != nil {
					t.Fatalf("Create(%s): %v", r.ID, err)
				}
			}

			got, err := l.ListDueForDeletion(ctx, now)
			if err != nil {
				t.Fatalf("ListDueForDeletion: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("ListDueForDeletion returned %d records, want 2", len(got))
			}
			if got[0].ID != "due01" || got[1].ID != "due02" {
				t.Errorf("IDs = %s,%s, want due01,due02", got[0].ID, got[1].ID)
			}

			all, err := l.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 4 {
				t.Errorf("List returned %d records, want 4", len(all))
			}
		})
	}
}

func TestUploadRecordHelpers(t *testing.T) {
	rec := sampleRecord("abc12")
	if rec.Key() != "abc12.png" {
		t.Errorf("Key() = %q, want abc12.png", rec.Key())
	}
	if rec.FileName() != "holiday.png" {
		t.Errorf("FileName() = %q, want holiday.png", rec.FileName())
	}

	rec.BlockIDs = []string{"a"}
	when := time.Now()
	rec.PendingForDeletionAt = &when
	cp := rec.Clone()
	cp.BlockIDs[0] = "changed"
	*cp.PendingForDeletionAt = when.Add(time.Hour)
	if rec.BlockIDs[0] != "a" {
		t.Error("Clone shares BlockIDs with the original")
	}
	if !rec.PendingForDeletionAt.Equal(when) {
		t.Error("Clone shares PendingForDeletionAt with the original")
	}
	if !rec.DueForDeletion(when) || rec.DueForDeletion(when.Add(-time.Second)) {
		t.Error("DueForDeletion boundary is wrong")
	}
}

func TestDialectRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := DialectSQLite.rebind(q); got != q {
		t.Errorf("sqlite rebind = %q", got)
	}
	if got := DialectMySQL.rebind(q); got != q {
		t.Errorf("mysql rebind = %q", got)
	}
	want := "SELECT a FROM t WHERE x = $1 AND y = $2"
	if got := DialectPostgres.rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestSQLiteIdempotentSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "again.db")
	for i := 0; i < 2; i++ {
		s, err := NewSQLiteStore(dbPath)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
		s.Close()
	}
}
