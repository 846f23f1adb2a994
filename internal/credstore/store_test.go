package credstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return store
}

func testCreds() Credentials {
	return Credentials{
		ClientID:     "11111111-2222-3333-4444-555555555555",
		ClientSecret: "s3cr3t-value",
		TenantID:     "66666666-7777-8888-9999-000000000000",
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := newStore(t)

	saved := StoredSession{
		Credentials: testCreds(),
		IsLoggedIn:  true,
		LastPort:    8000,
	}
	if err := store.Save(saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != saved {
		t.Errorf("Loaded session %+v does not match saved %+v", loaded, saved)
	}
}

func TestStore_LoadMissingReturnsNotFound(t *testing.T) {
	store := newStore(t)

	if _, err := store.Load(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got: %v", err)
	}
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	store := newStore(t)

	if err := store.Clear(); err != nil {
		t.Errorf("Clear on empty store should be a no-op, got: %v", err)
	}

	if err := store.Save(StoredSession{IsLoggedIn: true}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after Clear, got: %v", err)
	}
}

func TestStore_ResetAtStartup(t *testing.T) {
	store := newStore(t)

	if err := store.Save(StoredSession{
		Credentials: testCreds(),
		IsLoggedIn:  true,
		LastPort:    8042,
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.ResetAtStartup(); err != nil {
		t.Fatalf("ResetAtStartup failed: %v", err)
	}

	session, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if session.IsLoggedIn {
		t.Error("ResetAtStartup must force isLoggedIn to false")
	}
	if !session.Credentials.Empty() {
		t.Error("ResetAtStartup must clear stored credentials")
	}
	if session.LastPort != 8042 {
		t.Errorf("ResetAtStartup should keep lastPort, got %d", session.LastPort)
	}
}

func TestStore_ResetAtStartupOnEmptyStore(t *testing.T) {
	store := newStore(t)

	if err := store.ResetAtStartup(); err != nil {
		t.Errorf("ResetAtStartup on empty store should be a no-op, got: %v", err)
	}
}

func TestStore_ResetAtStartupDiscardsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, SessionFileName), []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	if err := store.ResetAtStartup(); err != nil {
		t.Fatalf("ResetAtStartup failed: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Corrupt record should be discarded, got: %v", err)
	}
}

func TestStore_Value(t *testing.T) {
	store := newStore(t)

	if err := store.Save(StoredSession{
		Credentials: testCreds(),
		IsLoggedIn:  true,
		LastPort:    8000,
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	tests := []struct {
		key  string
		want any
	}{
		{"isLoggedIn", true},
		{"lastPort", 8000},
		{"clientId", testCreds().ClientID},
		{"tenantId", testCreds().TenantID},
	}
	for _, tt := range tests {
		got, err := store.Value(tt.key)
		if err != nil {
			t.Errorf("Value(%q) failed: %v", tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Value(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}

	if _, err := store.Value("clientSecret"); err == nil {
		t.Error("The client secret must not be addressable through Value")
	}
}

func TestStore_ValueOnEmptyStore(t *testing.T) {
	store := newStore(t)

	got, err := store.Value("isLoggedIn")
	if err != nil {
		t.Fatalf("Value on empty store failed: %v", err)
	}
	if got != false {
		t.Errorf("Expected zero-value false, got %v", got)
	}
}

func TestCredentials_StringRedactsSecret(t *testing.T) {
	creds := testCreds()

	formatted := creds.String()
	if strings.Contains(formatted, creds.ClientSecret) {
		t.Errorf("String() leaked the client secret: %s", formatted)
	}
	if !strings.Contains(formatted, "redacted") {
		t.Errorf("String() should mark the secret as redacted: %s", formatted)
	}
}

func TestCredentials_Env(t *testing.T) {
	env := testCreds().Env()

	want := []string{
		"GRAPH_CLIENT_ID=" + testCreds().ClientID,
		"GRAPH_CLIENT_SECRET=" + testCreds().ClientSecret,
		"GRAPH_TENANT_ID=" + testCreds().TenantID,
	}
	if len(env) != len(want) {
		t.Fatalf("Expected %d env entries, got %d", len(want), len(env))
	}
	for i, w := range want {
		if env[i] != w {
			t.Errorf("env[%d] = %q, want %q", i, env[i], w)
		}
	}
}
