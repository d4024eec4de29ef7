// Package artifact provides content-addressed storage for datasets, feature
// matrices, model files and reports.
//
// Refs are write-once: putting to an existing ref fails. Every retrieval
// verifies the SHA-256 recorded at write time and fails with an
// ArtifactCorrupted fault on mismatch.
package artifact

import (
	"context"
	"errors"
	"io"
)

// Kind namespaces artifact refs.
type Kind string

// Artifact namespaces.
const (
	KindDataset       Kind = "dataset"
	KindFeatures      Kind = "features"
	KindModelNative   Kind = "model_native"
	KindModelPortable Kind = "model_portable"
	KindReport        Kind = "report"
)

// Valid reports whether the kind is one of the known namespaces.
func (k Kind) Valid() bool {
	switch k {
	case KindDataset, KindFeatures, KindModelNative, KindModelPortable, KindReport:
		return true
	default:
		return false
	}
}

// Sentinel errors for artifact operations.
var (
	// ErrRefExists is returned when a put would overwrite an existing ref.
	ErrRefExists = errors.New("artifact ref already exists")

	// ErrUnknownKind is returned for a kind outside the known namespaces.
	ErrUnknownKind = errors.New("unknown artifact kind")
)

// Info describes a stored artifact.
type Info struct {
	Ref    string
	Kind   Kind
	Size   int64
	SHA256 string
}

// Store is the content-addressed blob store contract.
type Store interface {
	// Put stores data under a fresh ref in the kind namespace and returns
	// the ref plus the hex SHA-256 of the bytes. Write-once: a ref is never
	// overwritten.
	Put(ctx context.Context, kind Kind, data []byte) (ref string, sha256 string, err error)

	// PutStream stores data from r, hashing while writing. Required for
	// artifacts larger than a single RAM buffer.
	PutStream(ctx context.Context, kind Kind, r io.Reader) (ref string, sha256 string, err error)

	// Get returns the artifact bytes after verifying their checksum.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Open returns a streaming reader. The checksum is verified
	// incrementally; a mismatch surfaces as an ArtifactCorrupted fault from
	// the final Read.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Stat returns size and checksum without reading the payload.
	Stat(ctx context.Context, ref string) (*Info, error)

	// Delete removes the artifact. Deleting an absent ref is NotFound.
	Delete(ctx context.Context, ref string) error
}
