package conversations

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// schemaVersion is bumped whenever the on-disk envelope changes shape.
const schemaVersion = 1

const fileExt = ".json"

// envelope wraps the serialized conversation with the metadata used for
// integrity verification at load time. The checksum covers the raw
// conversation payload bytes, not the envelope itself.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Checksum      string          `json:"checksum"`
	Conversation  json.RawMessage `json:"conversation"`
}

// Store persists one JSON file per conversation with crash-safe writes:
// temp file in the same directory, fsync, then atomic rename. Saves for the
// same conversation id are serialized by a per-id mutex.
type Store struct {
	dir        string
	archiveDir string
	logger     zerolog.Logger

	mu sync.Mutex
	// locks holds one mutex per conversation id ever written. Entries are
	// never evicted; the map is bounded by the number of conversations on
	// disk, which stays small for a single-user client.
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir, with archived conversations moved
// to archiveDir. Both directories are created if missing.
func NewStore(dir, archiveDir string, logger zerolog.Logger) (*Store, error) {
	if archiveDir == "" {
		archiveDir = filepath.Join(dir, "archive")
	}
	for _, d := range []string{dir, archiveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", d, err)
		}
	}
	return &Store{
		dir:        dir,
		archiveDir: archiveDir,
		logger:     logger.With().Str("component", "conversations").Logger(),
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the mutex serializing writes for one conversation id.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// validID rejects ids that would escape the store directory.
func validID(id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Reason: "missing"}
	}
	if strings.ContainsAny(id, `/\`) || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return &ValidationError{Field: "id", Reason: "not a valid file name"}
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

func (s *Store) archivePath(id string) string {
	return filepath.Join(s.archiveDir, id+fileExt)
}

// Save validates the conversation, wraps it in a checksum envelope and writes
// it atomically. No partial or torn write is ever visible to readers.
func (s *Store) Save(conv *Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	if err := validID(conv.ID); err != nil {
		return err
	}

	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", conv.ID, err)
	}

	env := envelope{
		SchemaVersion: schemaVersion,
		SavedAt:       time.Now().UTC(),
		Checksum:      checksum(payload),
		Conversation:  payload,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", conv.ID, err)
	}

	lock := s.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := atomicWrite(s.path(conv.ID), data, 0o600); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	s.logger.Debug().Str("conversation_id", conv.ID).Int("messages", len(conv.Messages)).Msg("conversation saved")
	return nil
}

// Load reads a conversation, verifying the payload checksum against the
// envelope before decoding. A mismatch returns *IntegrityError and leaves the
// file untouched; a missing file returns ErrNotFound.
func (s *Store) Load(id string) (*Conversation, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	path := s.path(id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("load conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &IntegrityError{Path: path, Want: "well-formed envelope", Got: err.Error()}
	}

	// The checksum covers the canonical (compact) payload form; the envelope
	// on disk is indented for readability.
	var payload bytes.Buffer
	if err := json.Compact(&payload, env.Conversation); err != nil {
		return nil, &IntegrityError{Path: path, Want: "well-formed conversation payload", Got: err.Error()}
	}
	if got := checksum(payload.Bytes()); got != env.Checksum {
		return nil, &IntegrityError{Path: path, Want: env.Checksum, Got: got}
	}

	var conv Conversation
	if err := json.Unmarshal(env.Conversation, &conv); err != nil {
		return nil, &IntegrityError{Path: path, Want: "well-formed conversation", Got: err.Error()}
	}
	return &conv, nil
}

// List enumerates stored conversation ids in lexical order. Archived
// conversations are not included.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Info reports the size and last-modified time of a stored conversation,
// used by the retention sweeper.
func (s *Store) Info(id string) (size int64, modTime time.Time, err error) {
	if err := validID(id); err != nil {
		return 0, time.Time{}, err
	}
	fi, err := os.Stat(s.path(id))
	if os.IsNotExist(err) {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return fi.Size(), fi.ModTime(), nil
}

// Archive moves a conversation file into the archive directory. Archiving an
// already-archived id is a no-op success.
func (s *Store) Archive(id string) error {
	if err := validID(id); err != nil {
		return err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	src := s.path(id)
	dst := s.archivePath(id)

	if _, err := os.Stat(src); os.IsNotExist(err) {
		if _, aerr := os.Stat(dst); aerr == nil {
			return nil // already archived
		}
		return fmt.Errorf("archive conversation %s: %w", id, ErrNotFound)
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("archive conversation %s: %w", id, err)
	}
	s.logger.Info().Str("conversation_id", id).Msg("conversation archived")
	return nil
}

// checksum is the hex SHA-256 of the canonical payload bytes.
func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// atomicWrite writes data through a temp file in the target directory, syncs
// it, and renames it onto the final path, so readers only ever see the old or
// the new complete file.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	committed = true
	return nil
}
