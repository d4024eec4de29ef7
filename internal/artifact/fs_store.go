package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// FSStore is a filesystem-backed Store. Layout:
//
//	<root>/<kind>/<xx>/<uuid>       payload
//	<root>/<kind>/<xx>/<uuid>.meta  {"sha256": "...", "size": N}
//
// where xx is the first two hex chars of the uuid, fanning out directories.
// Writes go to a temp file in the same directory and are published with an
// atomic rename, so a ref either exists completely or not at all.
type FSStore struct {
	root   string
	logger *slog.Logger
}

type fsMeta struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Compile-time interface assertion.
var _ Store = (*FSStore)(nil)

// NewFSStore creates the store rooted at dir, creating it if needed.
func NewFSStore(dir string, logger *slog.Logger) (*FSStore, error) {
	if dir == "" {
		return nil, fault.Validation("artifact root directory cannot be empty")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Unavailable(err, "creating artifact root %s", dir)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FSStore{root: dir, logger: logger}, nil
}

// Put stores data under a fresh ref. See Store.
func (s *FSStore) Put(ctx context.Context, kind Kind, data []byte) (string, string, error) {
	return s.PutStream(ctx, kind, bytes.NewReader(data))
}

// PutStream stores data from r, hashing while writing. See Store.
func (s *FSStore) PutStream(ctx context.Context, kind Kind, r io.Reader) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", fault.Cancelled("artifact put cancelled")
	}

	if !kind.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	id := uuid.NewString()
	ref := string(kind) + "/" + id

	dir := filepath.Dir(s.payloadPath(ref))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fault.Unavailable(err, "creating artifact dir")
	}

	// Refs embed a fresh UUID, so a collision here means a previous write
	// already published this path.
	if _, err := os.Stat(s.payloadPath(ref)); err == nil {
		return "", "", fmt.Errorf("%w: %s", ErrRefExists, ref)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", "", fault.Unavailable(err, "creating temp artifact file")
	}

	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // no-op after successful rename
	}()

	hasher := sha256.New()

	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		_ = tmp.Close()

		return "", "", fault.Unavailable(err, "writing artifact payload")
	}

	if err := tmp.Close(); err != nil {
		return "", "", fault.Unavailable(err, "closing artifact payload")
	}

	sum := hex.EncodeToString(hasher.Sum(nil))

	meta, err := json.Marshal(fsMeta{SHA256: sum, Size: size})
	if err != nil {
		return "", "", fault.Internal(err, "encoding artifact meta")
	}

	if err := os.WriteFile(s.metaPath(ref), meta, 0o644); err != nil {
		return "", "", fault.Unavailable(err, "writing artifact meta")
	}

	if err := os.Rename(tmpName, s.payloadPath(ref)); err != nil {
		_ = os.Remove(s.metaPath(ref))

		return "", "", fault.Unavailable(err, "publishing artifact")
	}

	s.logger.Debug("artifact stored",
		slog.String("ref", ref),
		slog.Int64("size", size),
		slog.String("sha256", sum),
	)

	return ref, sum, nil
}

// Get returns the artifact bytes after verifying their checksum. See Store.
func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	r, err := s.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// Open returns a checksum-verifying streaming reader. See Store.
func (s *FSStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Cancelled("artifact open cancelled")
	}

	info, err := s.Stat(ctx, ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.payloadPath(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.NotFound("artifact %s", ref)
		}

		return nil, fault.Unavailable(err, "opening artifact %s", ref)
	}

	return &verifyingReader{
		ref:    ref,
		inner:  f,
		hasher: sha256.New(),
		want:   info.SHA256,
	}, nil
}

// Stat returns size and checksum without reading the payload. See Store.
func (s *FSStore) Stat(_ context.Context, ref string) (*Info, error) {
	kind, err := refKind(ref)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.metaPath(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.NotFound("artifact %s", ref)
		}

		return nil, fault.Unavailable(err, "reading artifact meta %s", ref)
	}

	var meta fsMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fault.Corrupted("artifact meta %s is unreadable", ref)
	}

	return &Info{Ref: ref, Kind: kind, Size: meta.Size, SHA256: meta.SHA256}, nil
}

// Delete removes the artifact. See Store.
func (s *FSStore) Delete(_ context.Context, ref string) error {
	if _, err := refKind(ref); err != nil {
		return err
	}

	err := os.Remove(s.payloadPath(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return fault.NotFound("artifact %s", ref)
	}

	if err != nil {
		return fault.Unavailable(err, "deleting artifact %s", ref)
	}

	_ = os.Remove(s.metaPath(ref))

	return nil
}

func (s *FSStore) payloadPath(ref string) string {
	kind, id, _ := strings.Cut(ref, "/")

	fan := "00"
	if len(id) >= 2 {
		fan = id[:2]
	}

	return filepath.Join(s.root, kind, fan, id)
}

func (s *FSStore) metaPath(ref string) string {
	return s.payloadPath(ref) + ".meta"
}

func refKind(ref string) (Kind, error) {
	kindStr, id, ok := strings.Cut(ref, "/")
	if !ok || id == "" {
		return "", fault.Validation("malformed artifact ref %q", ref)
	}

	kind := Kind(kindStr)
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	return kind, nil
}

// verifyingReader hashes bytes as they stream past and checks the checksum
// when the underlying reader reaches EOF.
type verifyingReader struct {
	ref    string
	inner  io.ReadCloser
	hasher hash.Hash
	want   string
	done   bool
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.inner.Read(p)
	if n > 0 {
		_, _ = v.hasher.Write(p[:n])
	}

	if errors.Is(err, io.EOF) && !v.done {
		v.done = true

		if got := hex.EncodeToString(v.hasher.Sum(nil)); got != v.want {
			return n, fault.Corrupted("artifact %s: sha256 %s, expected %s", v.ref, got, v.want)
		}
	}

	return n, err
}

func (v *verifyingReader) Close() error {
	return v.inner.Close()
}
