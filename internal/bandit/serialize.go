package bandit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Snapshot wire format: one format-version byte, one algorithm tag byte,
// then policy-specific sections built from uvarint counts, length-prefixed
// strings and little-endian float64 arrays. Matrices are stored in full; a
// 387-dim contextual snapshot is about 1.2 MB per arm set, which the store
// keeps in a single row. Quantizing the matrices would shrink this if the
// dimension ever grows.
const snapshotVersion = 1

// Algorithm tags embedded in snapshots so a payload can never be restored
// into the wrong policy type. TagHybrid payloads are produced by the hybrid
// package, which embeds a UCB1 and a LinUCB snapshot.
const (
	TagBetaTS byte = iota + 1
	TagUCB1
	TagLinUCB
	TagCtxTS
	TagHybrid
)

// SnapshotHeader returns the two-byte header for the given algorithm tag,
// letting sibling packages emit compatible payloads.
func SnapshotHeader(tag byte) []byte {
	return []byte{snapshotVersion, tag}
}

type encoder struct {
	buf bytes.Buffer
}

func newEncoder(tag byte) *encoder {
	e := &encoder{}
	e.buf.WriteByte(snapshotVersion)
	e.buf.WriteByte(tag)
	return e
}

func (e *encoder) putUvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	e.buf.Write(tmp[:n])
}

func (e *encoder) putString(s string) {
	e.putUvarint(uint64(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) putFloat(f float64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
	e.buf.Write(tmp[:])
}

func (e *encoder) putFloats(fs []float64) {
	e.putUvarint(uint64(len(fs)))
	for _, f := range fs {
		e.putFloat(f)
	}
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

type decoder struct {
	r *bytes.Reader
}

// newDecoder validates the header and returns a decoder positioned after it.
func newDecoder(data []byte, wantTag byte) (*decoder, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("snapshot too short (%d bytes)", len(data))
	}
	if data[0] != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", data[0])
	}
	if data[1] != wantTag {
		return nil, fmt.Errorf("snapshot algorithm tag %d, want %d", data[1], wantTag)
	}
	return &decoder{r: bytes.NewReader(data[2:])}, nil
}

func (d *decoder) getUvarint() (uint64, error) {
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		return 0, fmt.Errorf("read uvarint: %w", err)
	}
	return v, nil
}

func (d *decoder) getString() (string, error) {
	n, err := d.getUvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(d.r.Len()) {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, d.r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", fmt.Errorf("read string: %w", err)
	}
	return string(b), nil
}

func (d *decoder) getFloat() (float64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(d.r, tmp[:]); err != nil {
		return 0, fmt.Errorf("read float: %w", err)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(tmp[:])), nil
}

func (d *decoder) getFloats() ([]float64, error) {
	n, err := d.getUvarint()
	if err != nil {
		return nil, err
	}
	if n*8 > uint64(d.r.Len()) {
		return nil, fmt.Errorf("float array length %d exceeds remaining %d bytes", n, d.r.Len())
	}
	fs := make([]float64, n)
	for i := range fs {
		if fs[i], err = d.getFloat(); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// SnapshotTag peeks the algorithm tag of a serialized snapshot.
func SnapshotTag(data []byte) (byte, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("snapshot too short (%d bytes)", len(data))
	}
	if data[0] != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", data[0])
	}
	return data[1], nil
}
