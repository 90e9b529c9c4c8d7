package files

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
)

func newTestStore(t *testing.T, memoryEnabled bool) *Store {
	t.Helper()
	cfg := config.FilesConfig{
		Directory:            filepath.Join(t.TempDir(), "files"),
		MaxFileSizeBytes:     1 << 20,
		MemoryCacheEnabled:   memoryEnabled,
		MaxTotalMemoryMB:     1,
		MaxCachedFileSizeMB:  1,
		FlushInterval:        time.Hour,
		IndexRefreshInterval: 20 * time.Minute,
		BlockedExtensions:    []string{".exe", ".dll"},
	}
	store, err := NewStore(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func docsEndpoint() *endpoint.FileDefinition {
	return &endpoint.FileDefinition{BaseDirectory: "docs", AllowedExtensions: []string{".pdf", ".txt"}}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	id, err := store.Upload(ctx, "600", docsEndpoint(), "report.txt", []byte("hello"), false)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	data, contentType, filename, err := store.Download(ctx, "600", id)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "hello" || filename != "report.txt" {
		t.Fatalf("round trip wrong: %q %q", data, filename)
	}
	if contentType == "" {
		t.Fatalf("content type missing")
	}
}

func TestUploadConflictWithoutOverwrite(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	if _, err := store.Upload(ctx, "600", docsEndpoint(), "a.txt", []byte("1"), false); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := store.Upload(ctx, "600", docsEndpoint(), "a.txt", []byte("2"), false); api.KindOf(err) != api.KindFileExists {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.Upload(ctx, "600", docsEndpoint(), "a.txt", []byte("2"), true); err != nil {
		t.Fatalf("overwrite must succeed: %v", err)
	}

	id := EncodeID("600", "docs/a.txt")
	data, _, _, err := store.Download(ctx, "600", id)
	if err != nil || string(data) != "2" {
		t.Fatalf("overwrite not visible: %q %v", data, err)
	}
}

func TestUploadRejectsBlockedAndUnlistedExtensions(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	if _, err := store.Upload(ctx, "600", docsEndpoint(), "tool.exe", []byte("x"), false); api.KindOf(err) != api.KindExtensionDenied {
		t.Fatalf("blocked extension accepted: %v", err)
	}
	if _, err := store.Upload(ctx, "600", docsEndpoint(), "data.csv", []byte("x"), false); api.KindOf(err) != api.KindExtensionDenied {
		t.Fatalf("unlisted extension accepted: %v", err)
	}
}

func TestUploadRejectsPathEscape(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()
	for _, name := range []string{"../outside.txt", "/etc/passwd.txt", "a/../../b.txt"} {
		if _, err := store.Upload(ctx, "600", docsEndpoint(), name, []byte("x"), false); api.KindOf(err) != api.KindPathEscape {
			t.Fatalf("name %q: expected path escape, got %v", name, err)
		}
	}
}

func TestDownloadRejectsForeignEnvironmentID(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	id, err := store.Upload(ctx, "600", docsEndpoint(), "secret.txt", []byte("x"), false)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, _, _, err := store.Download(ctx, "700", id); api.KindOf(err) != api.KindNotFound {
		t.Fatalf("cross-environment handle must look absent, got %v", err)
	}
}

func TestFlushWritesDirtyEntriesToDisk(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	if _, err := store.Upload(ctx, "600", docsEndpoint(), "buffered.txt", []byte("payload"), false); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	diskPath := filepath.Join(store.root, "600", "docs", "buffered.txt")
	if _, err := os.Stat(diskPath); !os.IsNotExist(err) {
		t.Fatalf("buffered upload must not be on disk yet")
	}

	store.flushDirty()
	data, err := os.ReadFile(diskPath)
	if err != nil || string(data) != "payload" {
		t.Fatalf("flush missing: %q %v", data, err)
	}
}

func TestListIncludesBufferedAndFlushedFiles(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	if _, err := store.Upload(ctx, "600", docsEndpoint(), "one.txt", []byte("1"), false); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	store.flushDirty()
	if _, err := store.Upload(ctx, "600", docsEndpoint(), "two.txt", []byte("2"), false); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	index, err := store.List(ctx, "600", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(index) != 2 {
		t.Fatalf("expected 2 entries, got %d: %#v", len(index), index)
	}

	filtered, err := store.List(ctx, "600", "docs/one")
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].FileName != "one.txt" {
		t.Fatalf("prefix filter wrong: %#v", filtered)
	}

	// A bare file name prefix matches too, without the directory part.
	byName, err := store.List(ctx, "600", "two")
	if err != nil {
		t.Fatalf("List by name: %v", err)
	}
	if len(byName) != 1 || byName[0].Path != "docs/two.txt" {
		t.Fatalf("basename filter wrong: %#v", byName)
	}
}

func TestEvictionFlushesDirtyEntries(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	first := bytes.Repeat([]byte("a"), 700<<10)
	second := bytes.Repeat([]byte("b"), 700<<10)
	if _, err := store.Upload(ctx, "600", docsEndpoint(), "first.txt", first, false); err != nil {
		t.Fatalf("Upload first: %v", err)
	}
	if _, err := store.Upload(ctx, "600", docsEndpoint(), "second.txt", second, false); err != nil {
		t.Fatalf("Upload second: %v", err)
	}

	// The second upload pushes the layer past its budget. The evicted
	// buffered entry must land on disk, not vanish.
	diskPath := filepath.Join(store.root, "600", "docs", "first.txt")
	data, err := os.ReadFile(diskPath)
	if err != nil {
		t.Fatalf("evicted entry not flushed: %v", err)
	}
	if !bytes.Equal(data, first) {
		t.Fatalf("flushed content wrong: %d bytes", len(data))
	}

	got, _, _, err := store.Download(ctx, "600", EncodeID("600", "docs/first.txt"))
	if err != nil || !bytes.Equal(got, first) {
		t.Fatalf("evicted file unreadable: %v", err)
	}
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	id, err := store.Upload(ctx, "600", docsEndpoint(), "gone.txt", []byte("x"), false)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	store.flushDirty()
	if err := store.Delete(ctx, "600", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, _, err := store.Download(ctx, "600", id); api.KindOf(err) != api.KindNotFound {
		t.Fatalf("deleted file still served: %v", err)
	}
}

func TestUploadTooLarge(t *testing.T) {
	store := newTestStore(t, false)
	big := make([]byte, 2<<20)
	if _, err := store.Upload(context.Background(), "600", docsEndpoint(), "big.txt", big, false); api.KindOf(err) != api.KindFileTooLarge {
		t.Fatalf("oversized upload accepted: %v", err)
	}
}
