package snapshot

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Section is one named piece of simulation state. The set of sections is
// fixed when the registry is built; there is no runtime registration.
type Section struct {
	Name string
	Save func() ([]byte, error)
	Load func([]byte) error
}

// Value builds a section that msgpack-encodes *ptr. Map entries at any depth
// are written in the order of their encoded keys, so equal values always
// produce equal bytes.
func Value[T any](name string, ptr *T) Section {
	return Section{
		Name: name,
		Save: func() ([]byte, error) {
			return encodeCanonical(ptr)
		},
		Load: func(data []byte) error {
			var next T
			if err := msgpack.Unmarshal(data, &next); err != nil {
				return err
			}
			*ptr = next
			return nil
		},
	}
}

// BinaryValue is the state a Binary section wraps.
type BinaryValue interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Binary builds a section around a value that serialises itself.
func Binary(name string, v BinaryValue) Section {
	return Section{
		Name: name,
		Save: v.MarshalBinary,
		Load: v.UnmarshalBinary,
	}
}

func encodeCanonical(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(raw))
	if err := canonicalize(msgpack.NewDecoder(bytes.NewReader(raw)), &buf); err != nil {
		return nil, fmt.Errorf("snapshot: canonical encoding: %w", err)
	}
	return buf.Bytes(), nil
}

type mapEntry struct {
	key, value []byte
}

// canonicalize copies one msgpack value from dec to out, rewriting every map
// with its entries sorted by encoded key.
func canonicalize(dec *msgpack.Decoder, out *bytes.Buffer) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}
	enc := msgpack.NewEncoder(out)
	switch {
	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		entries := make([]mapEntry, n)
		for i := range entries {
			var key, value bytes.Buffer
			if err := canonicalize(dec, &key); err != nil {
				return err
			}
			if err := canonicalize(dec, &value); err != nil {
				return err
			}
			entries[i] = mapEntry{key: key.Bytes(), value: value.Bytes()}
		}
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].key, entries[j].key) < 0
		})
		if err := enc.EncodeMapLen(n); err != nil {
			return err
		}
		for _, e := range entries {
			out.Write(e.key)
			out.Write(e.value)
		}
		return nil
	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(n); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := canonicalize(dec, out); err != nil {
				return err
			}
		}
		return nil
	default:
		raw, err := dec.DecodeRaw()
		if err != nil {
			return err
		}
		out.Write(raw)
		return nil
	}
}

var (
	// ErrDuplicateSection is returned when two sections share a name.
	ErrDuplicateSection = errors.New("snapshot: duplicate section")
	// ErrSectionMismatch is returned when a blob was saved with a different
	// section list than the registry loading it.
	ErrSectionMismatch = errors.New("snapshot: section list mismatch")
)

// Registry saves, loads and checksums a fixed list of sections as a single
// blob.
type Registry struct {
	sections []Section
}

type sectionBlob struct {
	Name string `msgpack:"n"`
	Data []byte `msgpack:"d"`
}

// NewRegistry validates the section list.
func NewRegistry(sections ...Section) (*Registry, error) {
	seen := make(map[string]struct{}, len(sections))
	for _, s := range sections {
		if s.Name == "" || s.Save == nil || s.Load == nil {
			return nil, fmt.Errorf("snapshot: incomplete section %q", s.Name)
		}
		if _, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSection, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	out := make([]Section, len(sections))
	copy(out, sections)
	return &Registry{sections: out}, nil
}

// Names lists the registered sections in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sections))
	for _, s := range r.sections {
		names = append(names, s.Name)
	}
	return names
}

func (r *Registry) collect() ([]sectionBlob, error) {
	blobs := make([]sectionBlob, 0, len(r.sections))
	for _, s := range r.sections {
		data, err := s.Save()
		if err != nil {
			return nil, fmt.Errorf("snapshot: save section %s: %w", s.Name, err)
		}
		blobs = append(blobs, sectionBlob{Name: s.Name, Data: data})
	}
	return blobs, nil
}

// SaveState encodes every section.
func (r *Registry) SaveState() ([]byte, error) {
	blobs, err := r.collect()
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(blobs)
}

// LoadState restores every section from a blob produced by SaveState.
func (r *Registry) LoadState(blob []byte) error {
	var blobs []sectionBlob
	if err := msgpack.Unmarshal(blob, &blobs); err != nil {
		return fmt.Errorf("snapshot: decode state: %w", err)
	}
	if len(blobs) != len(r.sections) {
		return fmt.Errorf("%w: got %d sections, want %d", ErrSectionMismatch, len(blobs), len(r.sections))
	}
	for i, s := range r.sections {
		if blobs[i].Name != s.Name {
			return fmt.Errorf("%w: section %d is %q, want %q", ErrSectionMismatch, i, blobs[i].Name, s.Name)
		}
	}
	for i, s := range r.sections {
		if err := s.Load(blobs[i].Data); err != nil {
			return fmt.Errorf("snapshot: load section %s: %w", s.Name, err)
		}
	}
	return nil
}

// Checksum digests every section name and its encoded bytes.
func (r *Registry) Checksum() (uint64, error) {
	blobs, err := r.collect()
	if err != nil {
		return 0, err
	}
	d := xxhash.New()
	for _, b := range blobs {
		_, _ = d.WriteString(b.Name)
		_, _ = d.Write([]byte{0})
		_, _ = d.Write(b.Data)
	}
	return d.Sum64(), nil
}
