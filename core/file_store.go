package core

// File store facade — content-addressed blob storage with tags, pending
// files and atomic multi-write. The disk implementation keeps one file per
// hash with a sidecar tag index, mirroring the layout used by the node's
// storage gateway.

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Extra is a side-write produced by core file verification: a raw file body
// plus the newline-separated tags to apply to it. Extras are committed
// atomically with their anchor.
type Extra struct {
	Data []byte
	Tags string
}

// FileStore is the contract the peer subsystem requires from the underlying
// content-addressed store.
type FileStore interface {
	HasFile(hash string, includePending bool) bool
	CreateRawFile(data []byte) (string, error)
	CreateRawFileWithExtras(anchor string, extras []Extra) error
	ExtractFile(hash string) ([]byte, error)
	FileBytes(hash string) (int64, error)
	DeleteFile(hash string, forPending bool) error

	TagFileHash(tag string) (string, error)
	HasTag(tag string) bool
	GetHashTags(hash string) string

	FileTypeInfo(hash string) (string, error)
	CopyRawFile(hash, destPath string) error

	TempFileName() string
}

// coreEnvelope is the JSON body carried by core files after the type prefix.
type coreEnvelope struct {
	CoreType string `json:"core_type"`
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// helloData returns the fixed hello blob content (type prefix + literal).
func helloData() []byte {
	return append([]byte{fileTypeBlob}, helloLiteral...)
}

// hashWithNonce computes the challenge response SHA-256(content || nonce).
func hashWithNonce(content []byte, nonce string) string {
	buf := make([]byte, 0, len(content)+len(nonce))
	buf = append(buf, content...)
	buf = append(buf, nonce...)
	return hashBytes(buf)
}

// DiskStore is a disk-backed FileStore. Files live under <root>/files,
// pending files under <root>/pending, the tag index under <root>/tags and
// temp files under <root>/tmp.
type DiskStore struct {
	root string
	mu   sync.RWMutex
	log  *zap.Logger
}

// NewDiskStore creates (or reopens) a store rooted at dir.
func NewDiskStore(dir string, logger *zap.Logger) (*DiskStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, sub := range []string{"files", "pending", "tags", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
	}
	return &DiskStore{root: dir, log: logger}, nil
}

func (s *DiskStore) filePath(hash string) string    { return filepath.Join(s.root, "files", hash) }
func (s *DiskStore) pendingPath(hash string) string { return filepath.Join(s.root, "pending", hash) }
func (s *DiskStore) tagPath(tag string) string      { return filepath.Join(s.root, "tags", tag) }
func (s *DiskStore) tagsSidecar(hash string) string {
	return filepath.Join(s.root, "files", hash+".tags")
}

// TempFileName returns a fresh "~<uuid>" path under the store's tmp dir.
func (s *DiskStore) TempFileName() string {
	return filepath.Join(s.root, "tmp", "~"+uuid.NewString())
}

// HasFile reports whether the hash is stored (optionally counting pending
// files that have not been committed yet).
func (s *DiskStore) HasFile(hash string, includePending bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(s.filePath(hash)); err == nil {
		return true
	}
	if includePending {
		if _, err := os.Stat(s.pendingPath(hash)); err == nil {
			return true
		}
	}
	return false
}

// CreateRawFile stores data under its SHA-256 hash and returns the hash.
func (s *DiskStore) CreateRawFile(data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(data)
}

func (s *DiskStore) createLocked(data []byte) (string, error) {
	hash := hashBytes(data)
	path := s.filePath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := s.writeAtomic(path, data); err != nil {
		return "", err
	}
	s.log.Debug("stored file", zap.String("hash", hash), zap.Int("bytes", len(data)))
	return hash, nil
}

// CreateRawFileWithExtras commits every extra (and its tags) atomically: all
// bodies are staged as temp files first and only then moved into place. The
// anchor names an already-stored file the extras belong to (may be empty).
func (s *DiskStore) CreateRawFileWithExtras(anchor string, extras []Extra) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type staged struct {
		tmp, dest, hash, tags string
	}
	var all []staged
	cleanup := func() {
		for _, st := range all {
			os.Remove(st.tmp)
		}
	}
	for _, extra := range extras {
		hash := hashBytes(extra.Data)
		tmp := s.TempFileName()
		if err := os.WriteFile(tmp, extra.Data, 0o644); err != nil {
			cleanup()
			return fmt.Errorf("file store: %w", err)
		}
		all = append(all, staged{tmp: tmp, dest: s.filePath(hash), hash: hash, tags: extra.Tags})
	}
	for _, st := range all {
		if err := os.Rename(st.tmp, st.dest); err != nil {
			cleanup()
			return fmt.Errorf("file store: %w", err)
		}
	}
	for _, st := range all {
		for _, tag := range strings.Split(st.tags, "\n") {
			if tag == "" {
				continue
			}
			if err := s.tagLocked(st.hash, tag); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExtractFile returns the stored bytes for the hash.
func (s *DiskStore) ExtractFile(hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.filePath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, hash)
		}
		return nil, err
	}
	return data, nil
}

// FileBytes returns the stored size for the hash.
func (s *DiskStore) FileBytes(hash string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fi, err := os.Stat(s.filePath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrFileNotFound, hash)
		}
		return 0, err
	}
	return fi.Size(), nil
}

// DeleteFile removes the stored (or pending) file along with its tag index
// entries.
func (s *DiskStore) DeleteFile(hash string, forPending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if forPending {
		return os.Remove(s.pendingPath(hash))
	}
	for _, tag := range splitLines(s.hashTagsLocked(hash)) {
		os.Remove(s.tagPath(tag))
	}
	os.Remove(s.tagsSidecar(hash))
	if err := os.Remove(s.filePath(hash)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// TagFileHash resolves a tag to the hash it names.
func (s *DiskStore) TagFileHash(tag string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.tagPath(tag))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: tag %s", ErrFileNotFound, tag)
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// HasTag reports whether the tag exists.
func (s *DiskStore) HasTag(tag string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.tagPath(tag))
	return err == nil
}

// GetHashTags returns the newline-separated tags applied to the hash.
func (s *DiskStore) GetHashTags(hash string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hashTagsLocked(hash)
}

func (s *DiskStore) hashTagsLocked(hash string) string {
	data, err := os.ReadFile(s.tagsSidecar(hash))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// TagFile applies a tag to a stored hash, moving the tag if already in use.
func (s *DiskStore) TagFile(hash, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tagLocked(hash, tag)
}

func (s *DiskStore) tagLocked(hash, tag string) error {
	if _, err := os.Stat(s.filePath(hash)); err != nil {
		return fmt.Errorf("%w: %s", ErrFileNotFound, hash)
	}
	if prior, err := os.ReadFile(s.tagPath(tag)); err == nil {
		priorHash := strings.TrimSpace(string(prior))
		if priorHash != hash {
			s.removeSidecarTag(priorHash, tag)
		}
	}
	if err := s.writeAtomic(s.tagPath(tag), []byte(hash)); err != nil {
		return err
	}
	tags := splitLines(s.hashTagsLocked(hash))
	for _, t := range tags {
		if t == tag {
			return nil
		}
	}
	tags = append(tags, tag)
	sort.Strings(tags)
	return s.writeAtomic(s.tagsSidecar(hash), []byte(strings.Join(tags, "\n")))
}

func (s *DiskStore) removeSidecarTag(hash, tag string) {
	tags := splitLines(s.hashTagsLocked(hash))
	kept := tags[:0]
	for _, t := range tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		os.Remove(s.tagsSidecar(hash))
		return
	}
	s.writeAtomic(s.tagsSidecar(hash), []byte(strings.Join(kept, "\n")))
}

// FileTypeInfo classifies a stored file: "blob <hash>" for plain blobs and
// "core <hash> <core-type>" for core files.
func (s *DiskStore) FileTypeInfo(hash string) (string, error) {
	data, err := s.ExtractFile(hash)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("file store: empty file %s", hash)
	}
	switch data[0] {
	case fileTypeBlob:
		return "blob " + hash, nil
	case fileTypeCore:
		var env coreEnvelope
		if err := json.Unmarshal(data[1:], &env); err != nil {
			return "", fmt.Errorf("file store: malformed core file %s: %w", hash, err)
		}
		return "core " + hash + " " + env.CoreType, nil
	default:
		return "", fmt.Errorf("file store: unknown file type %q for %s", data[0], hash)
	}
}

// CopyRawFile copies a stored file's content to an arbitrary path.
func (s *DiskStore) CopyRawFile(hash, destPath string) error {
	data, err := s.ExtractFile(hash)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (s *DiskStore) writeAtomic(path string, data []byte) error {
	tmp := s.TempFileName()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("file store: %w", err)
	}
	return nil
}

func removeFile(path string) { os.Remove(path) }

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
