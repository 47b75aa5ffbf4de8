package storage

import (
	"path/filepath"
	"testing"
	"time"
)

// exerciseIndex runs the contract every Index implementation must
// honor.
func exerciseIndex(t *testing.T, idx Index) {
	t.Helper()

	o := Original{
		ID:        "0123456789abcdef0123456789abcdef",
		Hash:      "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Format:    "jpg",
		Width:     4000,
		Height:    3000,
		Size:      123456,
		Path:      "originals/0123456789abcdef0123456789abcdef.jpg",
		CreatedAt: time.Now().Truncate(time.Second),
	}
	if err := idx.PutOriginal(o); err != nil {
		t.Fatalf("put original: %v", err)
	}
	got, ok, err := idx.GetOriginal(o.ID)
	if err != nil || !ok {
		t.Fatalf("get original: ok=%v err=%v", ok, err)
	}
	if got.Hash != o.Hash || got.Width != 4000 || got.Format != "jpg" {
		t.Fatalf("got back %+v", got)
	}

	if _, ok, _ := idx.GetOriginal("unknown"); ok {
		t.Fatal("unknown id reported present")
	}

	if err := idx.MapSourceURL("https://example.com/cat.jpg", o.ID); err != nil {
		t.Fatalf("map url: %v", err)
	}
	byURL, ok, err := idx.FindBySourceURL("https://example.com/cat.jpg")
	if err != nil || !ok {
		t.Fatalf("find by url: ok=%v err=%v", ok, err)
	}
	if byURL.ID != o.ID {
		t.Fatalf("url mapped to %s", byURL.ID)
	}
	if _, ok, _ := idx.FindBySourceURL("https://example.com/other.jpg"); ok {
		t.Fatal("unknown url reported present")
	}

	d := Derivative{
		Key:         "webp/" + o.ID + "/800",
		OriginalID:  o.ID,
		Width:       800,
		Format:      "webp",
		Path:        "processed/webp/" + o.ID + "/800.webp",
		Size:        999,
		Status:      StatusReady,
		GeneratedAt: time.Now().Truncate(time.Second),
	}
	if err := idx.PutDerivative(d); err != nil {
		t.Fatalf("put derivative: %v", err)
	}
	gotD, ok, err := idx.GetDerivative(d.Key)
	if err != nil || !ok {
		t.Fatalf("get derivative: ok=%v err=%v", ok, err)
	}
	if gotD.Status != StatusReady || gotD.Size != 999 {
		t.Fatalf("got back %+v", gotD)
	}
	if !gotD.FailedAt.IsZero() {
		t.Fatalf("ready derivative has failed_at %v", gotD.FailedAt)
	}

	// upsert to a failure
	d.Status = StatusFailedPermanent
	d.Error = "corrupt source"
	d.Path = ""
	d.FailedAt = time.Now().Truncate(time.Second)
	if err := idx.PutDerivative(d); err != nil {
		t.Fatalf("upsert derivative: %v", err)
	}
	gotD, _, _ = idx.GetDerivative(d.Key)
	if gotD.Status != StatusFailedPermanent || gotD.Error != "corrupt source" {
		t.Fatalf("after upsert: %+v", gotD)
	}
	if gotD.FailedAt.IsZero() {
		t.Fatal("failure lost its failed_at")
	}

	if err := idx.PutDerivative(Derivative{
		Key: "avif/" + o.ID + "/1280", OriginalID: o.ID, Width: 1280, Format: "avif", Status: StatusReady,
	}); err != nil {
		t.Fatalf("put second derivative: %v", err)
	}
	ds, err := idx.DerivativesFor(o.ID)
	if err != nil {
		t.Fatalf("derivatives for: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("found %d derivatives", len(ds))
	}
}

func TestMemIndex(t *testing.T) {
	exerciseIndex(t, NewMemIndex())
}

func TestSQLiteIndex(t *testing.T) {
	idx, err := NewSQLiteIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()
	exerciseIndex(t, idx)
}

func TestSQLiteIndexSurvivesReopen(t *testing.T) {
	file := filepath.Join(t.TempDir(), "index.db")
	idx, err := NewSQLiteIndex(file)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	if err := idx.PutOriginal(Original{ID: "abc", Hash: "abcdef", Format: "png", Width: 10, Height: 10, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}
	idx.Close()

	idx, err = NewSQLiteIndex(file)
	if err != nil {
		t.Fatalf("reopen index: %v", err)
	}
	defer idx.Close()
	if _, ok, err := idx.GetOriginal("abc"); err != nil || !ok {
		t.Fatalf("record lost across reopen: ok=%v err=%v", ok, err)
	}
}
