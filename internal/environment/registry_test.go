package environment

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/portwayapi/portway/internal/api"
)

func writeSettingsTree(t *testing.T, connectionString string) string {
	t.Helper()
	dir := t.TempDir()
	writeJSONFile(t, filepath.Join(dir, "settings.json"), map[string]any{
		"Environment": map[string]any{
			"ServerName":          "sql01",
			"AllowedEnvironments": []string{"600"},
		},
	})
	if err := os.MkdirAll(filepath.Join(dir, "600"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeJSONFile(t, filepath.Join(dir, "600", "settings.json"), map[string]any{
		"ServerName":       "sql01",
		"ConnectionString": connectionString,
		"Headers":          map[string]string{"X-Tenant": "600"},
	})
	return dir
}

func writeJSONFile(t *testing.T, path string, value any) {
	t.Helper()
	body, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLookupLoadsAndCaches(t *testing.T) {
	dir := writeSettingsTree(t, "Server=sql01;Database=env600;Password=pw;")
	reg := NewRegistry(dir, nil, nil)

	if !reg.IsAllowed("600") || reg.IsAllowed("700") {
		t.Fatalf("allow-list wrong: 600=%v 700=%v", reg.IsAllowed("600"), reg.IsAllowed("700"))
	}

	settings, err := reg.Lookup(context.Background(), "600")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if settings.ConnectionString.Reveal() != "Server=sql01;Database=env600;Password=pw;" {
		t.Fatalf("connection string wrong")
	}
	if settings.Headers["X-Tenant"] != "600" || settings.Headers["DatabaseName"] != "600" {
		t.Fatalf("headers wrong: %v", settings.Headers)
	}

	// Case-insensitive names resolve to the same snapshot.
	again, err := reg.Lookup(context.Background(), " 600 ")
	if err != nil {
		t.Fatalf("Lookup trimmed: %v", err)
	}
	if again != settings {
		t.Fatalf("expected the cached snapshot")
	}

	if _, err := reg.Lookup(context.Background(), "700"); api.KindOf(err) != api.KindNotFound {
		t.Fatalf("unlisted environment must be not found, got %v", err)
	}
}

func TestInvalidateReloadsSettings(t *testing.T) {
	dir := writeSettingsTree(t, "Server=sql01;Database=old;")
	reg := NewRegistry(dir, nil, nil)

	first, err := reg.Lookup(context.Background(), "600")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	writeJSONFile(t, filepath.Join(dir, "600", "settings.json"), map[string]any{
		"ServerName":       "sql01",
		"ConnectionString": "Server=sql01;Database=new;",
	})

	// Without invalidation the stale snapshot keeps serving.
	cached, err := reg.Lookup(context.Background(), "600")
	if err != nil {
		t.Fatalf("Lookup cached: %v", err)
	}
	if cached != first {
		t.Fatalf("edit on disk must not show before invalidation")
	}

	reg.Invalidate("600")
	reloaded, err := reg.Lookup(context.Background(), "600")
	if err != nil {
		t.Fatalf("Lookup reloaded: %v", err)
	}
	if reloaded.ConnectionString.Reveal() != "Server=sql01;Database=new;" {
		t.Fatalf("invalidate did not pick up the new settings")
	}
}

func TestLookupDecryptsEncryptedSettings(t *testing.T) {
	key := testKey(t)
	dir := writeSettingsTree(t, "placeholder")

	plaintext, err := json.Marshal(map[string]any{
		"ServerName":       "sql01",
		"ConnectionString": "Server=sql01;Database=secret;",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	envelope, err := EncryptSettings(plaintext, &key.PublicKey)
	if err != nil {
		t.Fatalf("EncryptSettings: %v", err)
	}
	path := filepath.Join(dir, "600", "settings.json")
	if err := os.WriteFile(path, envelope, 0o644); err != nil {
		t.Fatalf("write envelope: %v", err)
	}

	reg := NewRegistry(dir, key, nil)
	settings, err := reg.Lookup(context.Background(), "600")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if settings.ConnectionString.Reveal() != "Server=sql01;Database=secret;" {
		t.Fatalf("decrypted settings wrong")
	}

	// A registry without the key must fail with the typed error, not parse junk.
	bare := NewRegistry(dir, nil, nil)
	if _, err := bare.Lookup(context.Background(), "600"); api.KindOf(err) != api.KindDecryptionMissing {
		t.Fatalf("expected decryption error, got %v", err)
	}
}
