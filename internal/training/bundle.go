package training

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"

	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/learn"
)

// Bundle is the content of a model artifact: the fitted learner plus
// everything scoring needs (ordered feature names, decision threshold, the
// explainer's substitution means). Exactly one learner field is set,
// matching Algorithm.
//
// The native form is gob; the portable form is JSON and is the one whose
// SHA-256 becomes Model.Checksum.
type Bundle struct {
	Algorithm    string                 `json:"algorithm"`
	FeatureNames []string               `json:"featureNames"`
	SchemaHash   string                 `json:"schemaHash"`
	Threshold    float64                `json:"threshold"`
	Means        []float64              `json:"means"`
	GBT          *learn.GBT             `json:"gbt,omitempty"`
	Forest       *learn.Forest          `json:"forest,omitempty"`
	Isolation    *learn.IsolationForest `json:"isolationForest,omitempty"`
	NN           *learn.NN              `json:"nn,omitempty"`
}

// newBundle wraps a fitted classifier in a bundle.
func newBundle(algorithm string, c learn.Classifier) (*Bundle, error) {
	b := &Bundle{Algorithm: algorithm}

	switch m := c.(type) {
	case *learn.GBT:
		b.GBT = m
	case *learn.Forest:
		b.Forest = m
	case *learn.IsolationForest:
		b.Isolation = m
	case *learn.NN:
		b.NN = m
	default:
		return nil, fault.Internal(nil, "unsupported classifier type for %s", algorithm)
	}

	return b, nil
}

// Classifier returns the fitted learner carried by the bundle.
func (b *Bundle) Classifier() (learn.Classifier, error) {
	switch {
	case b.GBT != nil:
		return b.GBT, nil
	case b.Forest != nil:
		return b.Forest, nil
	case b.Isolation != nil:
		return b.Isolation, nil
	case b.NN != nil:
		return b.NN, nil
	default:
		return nil, fault.Corrupted("model bundle carries no learner (algorithm %s)", b.Algorithm)
	}
}

// EncodeNative serializes the bundle in the native (gob) form.
func (b *Bundle) EncodeNative() ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fault.Internal(err, "encoding native model form")
	}

	return buf.Bytes(), nil
}

// EncodePortable serializes the bundle in the portable (JSON) form and
// returns the bytes plus their hex SHA-256.
func (b *Bundle) EncodePortable() ([]byte, string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, "", fault.Internal(err, "encoding portable model form")
	}

	sum := sha256.Sum256(data)

	return data, hex.EncodeToString(sum[:]), nil
}

// DecodeNative parses a native-form artifact.
func DecodeNative(data []byte) (*Bundle, error) {
	var b Bundle
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return nil, fault.Corrupted("decoding native model form: %v", err)
	}

	return &b, nil
}

// DecodePortable parses a portable-form artifact.
func DecodePortable(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fault.Corrupted("decoding portable model form: %v", err)
	}

	if _, err := b.Classifier(); err != nil {
		return nil, err
	}

	return &b, nil
}
