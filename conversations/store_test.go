package conversations

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "conversations"), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func testConversation(id string) *Conversation {
	conv := New(id, "greetings")
	conv.ModelUsed = "stub-model"
	conv.Append(Message{Role: RoleUser, Content: "Hello", TokenCount: 2})
	conv.Append(Message{Role: RoleAssistant, Content: "Hello there", TokenCount: 3, Model: "stub-model", FinishReason: "stop"})
	return conv
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	conv := testConversation("c1")

	if err := store.Save(conv); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := store.Load("c1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.ID != conv.ID || loaded.Title != conv.Title {
		t.Errorf("loaded %q/%q, want %q/%q", loaded.ID, loaded.Title, conv.ID, conv.Title)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(loaded.Messages))
	}
	for i := range conv.Messages {
		if loaded.Messages[i].Content != conv.Messages[i].Content {
			t.Errorf("message %d content = %q, want %q", i, loaded.Messages[i].Content, conv.Messages[i].Content)
		}
	}
	if loaded.TotalTokens != 5 {
		t.Errorf("total tokens = %d, want 5", loaded.TotalTokens)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	conv := testConversation("c1")

	if err := store.Save(conv); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	first, err := store.Load("c1")
	if err != nil {
		t.Fatalf("Load after first save: %v", err)
	}
	if err := store.Save(conv); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	second, err := store.Load("c1")
	if err != nil {
		t.Fatalf("Load after second save: %v", err)
	}

	for i := range first.Messages {
		if first.Messages[i].Content != second.Messages[i].Content {
			t.Errorf("message %d changed across saves", i)
		}
	}
}

func TestLoadMissingConversation(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load("absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadDetectsCorruption(t *testing.T) {
	store := newTestStore(t)
	conv := testConversation("c1")
	if err := store.Save(conv); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Flip one byte of the stored payload.
	path := store.path("c1")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	corrupted := bytes.Replace(data, []byte("Hello there"), []byte("Hullo there"), 1)
	if bytes.Equal(corrupted, data) {
		t.Fatal("corruption did not apply")
	}
	if err := os.WriteFile(path, corrupted, 0o600); err != nil {
		t.Fatalf("write corrupted file: %v", err)
	}

	_, err = store.Load("c1")
	if !IsIntegrityError(err) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}

	// The corrupted file is left in place for inspection.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("corrupted file should remain on disk: %v", err)
	}
}

func TestStaleTempFileDoesNotShadowSavedConversation(t *testing.T) {
	store := newTestStore(t)
	conv := testConversation("c1")
	if err := store.Save(conv); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a crash between temp-file write and rename: a half-written
	// temp file next to the valid one.
	stale := filepath.Join(store.dir, ".tmp-crashed")
	if err := os.WriteFile(stale, []byte(`{"schema_version":1,"checks`), 0o600); err != nil {
		t.Fatalf("write stale temp file: %v", err)
	}

	loaded, err := store.Load("c1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Error("previous valid file must remain intact")
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("List = %v, temp files must not be listed", ids)
	}
}

func TestValidationRejectedBeforeDisk(t *testing.T) {
	store := newTestStore(t)

	empty := New("c1", "no messages yet")
	if err := store.Save(empty); !IsValidationError(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	badRole := New("c2", "bad role")
	badRole.Append(Message{Role: "robot", Content: "beep", TokenCount: 1})
	if err := store.Save(badRole); !IsValidationError(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	entries, err := os.ReadDir(store.dir)
	if err != nil {
		t.Fatalf("read store dir: %v", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			t.Errorf("invalid data reached disk: %s", entry.Name())
		}
	}
}

func TestListIsLexical(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := store.Save(testConversation(id)); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(ids) != len(want) {
		t.Fatalf("List = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(testConversation("c1")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.Archive("c1"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := store.Archive("c1"); err != nil {
		t.Errorf("second Archive should be a no-op success, got %v", err)
	}

	if _, err := store.Load("c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("archived conversation should not load from the active dir, got %v", err)
	}
	if _, err := os.Stat(store.archivePath("c1")); err != nil {
		t.Errorf("archived file missing: %v", err)
	}

	if err := store.Archive("never-existed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("archiving an unknown id = %v, want ErrNotFound", err)
	}
}

func TestStoreRejectsPathTraversal(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"../evil", "a/b", ".hidden", ""} {
		if _, err := store.Load(id); !IsValidationError(err) {
			t.Errorf("Load(%q) = %v, want ValidationError", id, err)
		}
	}
}

func TestInfoReportsSizeAndModTime(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(testConversation("c1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	size, modTime, err := store.Info("c1")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if size <= 0 {
		t.Error("size should be positive")
	}
	if time.Since(modTime) > time.Minute {
		t.Error("mod time should be recent")
	}
}
