// Package crdt wraps an automerge document behind the small surface the relay needs: apply an
// opaque update, encode the state vector, and encode the update a peer is missing.
//
// A state vector is the set of change hashes at the heads of the document. An update is a
// concatenation of saved automerge changes. Both are opaque to everything above this package.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrBadStateVector is returned when a state vector cannot be decoded.
var ErrBadStateVector = errors.New("malformed state vector")

const hashLen = len(automerge.ChangeHash{})

type Doc struct {
	doc *automerge.Doc
}

func New() *Doc {
	return &Doc{doc: automerge.New()}
}

// Wrap adopts an existing automerge document, mainly for clients that edit through the
// automerge path API directly.
func Wrap(doc *automerge.Doc) *Doc {
	return &Doc{doc: doc}
}

// Automerge exposes the underlying document for local edits.
func (d *Doc) Automerge() *automerge.Doc {
	return d.doc
}

// ApplyUpdate merges an update into the document. Applying the same update twice is a no-op,
// and changes whose dependencies are missing are held back by automerge until they arrive.
func (d *Doc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("failed to load changes: %w", err)
	}
	return nil
}

// EncodeStateVector returns the encoded heads of the document.
func (d *Doc) EncodeStateVector() []byte {
	return EncodeStateVector(d.doc.Heads())
}

// EncodeStateAsUpdate returns every change not covered by the given state vector. A nil or
// empty state vector yields the full history. Heads the document has never seen are ignored,
// which can only make the update larger, never incomplete.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	remote, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	known := make([]automerge.ChangeHash, 0, len(remote))
	for _, h := range remote {
		if c, err := d.doc.Change(h); err == nil && c != nil {
			known = append(known, h)
		}
	}
	if len(remote) > 0 && len(known) == len(remote) && sameHeads(known, d.doc.Heads()) {
		return []byte{}, nil
	}
	changes, err := d.doc.Changes(known...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	if len(changes) == 0 {
		return []byte{}, nil
	}
	return automerge.SaveChanges(changes), nil
}

func (d *Doc) Heads() []automerge.ChangeHash {
	return d.doc.Heads()
}

// Changes returns the full change history in causal order.
func (d *Doc) Changes() ([]*automerge.Change, error) {
	return d.doc.Changes()
}

// Content returns the root map of the document as plain Go values.
func (d *Doc) Content() (any, error) {
	v, err := d.doc.Path().Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read root: %w", err)
	}
	return v.Interface(), nil
}

// Clone returns an independent copy of the document.
func (d *Doc) Clone() (*Doc, error) {
	fork, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	return &Doc{doc: fork}, nil
}

// Merge folds a list of updates into a single update and the state vector it produces.
func Merge(updates ...[]byte) ([]byte, []byte, error) {
	d := New()
	for i, u := range updates {
		if err := d.ApplyUpdate(u); err != nil {
			return nil, nil, fmt.Errorf("update %d: %w", i, err)
		}
	}
	merged, err := d.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, nil, err
	}
	return merged, d.EncodeStateVector(), nil
}

// EncodeStateVector encodes heads as a varint count followed by the raw hashes, sorted so the
// encoding is deterministic.
func EncodeStateVector(heads []automerge.ChangeHash) []byte {
	sorted := append([]automerge.ChangeHash(nil), heads...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	out := protowire.AppendVarint(nil, uint64(len(sorted)))
	for _, h := range sorted {
		out = append(out, h[:]...)
	}
	return out
}

func DecodeStateVector(raw []byte) ([]automerge.ChangeHash, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	count, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return nil, ErrBadStateVector
	}
	raw = raw[n:]
	if uint64(len(raw)) != count*uint64(hashLen) {
		return nil, fmt.Errorf("%w: want %d hashes, have %d bytes", ErrBadStateVector, count, len(raw))
	}
	heads := make([]automerge.ChangeHash, count)
	for i := range heads {
		copy(heads[i][:], raw[i*hashLen:(i+1)*hashLen])
	}
	return heads, nil
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	return bytes.Equal(EncodeStateVector(a), EncodeStateVector(b))
}
