package hybrid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/conduitml/conduit/internal/bandit"
)

// hybridState is the serialized bookkeeping around the two wrapped policy
// snapshots.
type hybridState struct {
	Phase           int
	QueryCount      int
	SwitchThreshold int
	TransferKMax    int
	TransitionUnix  int64
	CtxCount        int
	CtxMean         []float64
	Phase1          []byte
	Phase2          []byte
}

func encodeHybrid(st hybridState) []byte {
	var buf bytes.Buffer
	buf.Write(bandit.SnapshotHeader(bandit.TagHybrid))
	putUvarint(&buf, uint64(st.Phase))
	putUvarint(&buf, uint64(st.QueryCount))
	putUvarint(&buf, uint64(st.SwitchThreshold))
	putUvarint(&buf, uint64(st.TransferKMax))
	putUvarint(&buf, uint64(st.TransitionUnix))
	putUvarint(&buf, uint64(st.CtxCount))
	putUvarint(&buf, uint64(len(st.CtxMean)))
	var tmp [8]byte
	for _, f := range st.CtxMean {
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
		buf.Write(tmp[:])
	}
	putUvarint(&buf, uint64(len(st.Phase1)))
	buf.Write(st.Phase1)
	putUvarint(&buf, uint64(len(st.Phase2)))
	buf.Write(st.Phase2)
	return buf.Bytes()
}

func decodeHybrid(data []byte) (hybridState, error) {
	var st hybridState
	tag, err := bandit.SnapshotTag(data)
	if err != nil {
		return st, err
	}
	if tag != bandit.TagHybrid {
		return st, fmt.Errorf("snapshot algorithm tag %d, want %d", tag, bandit.TagHybrid)
	}
	r := bytes.NewReader(data[2:])

	ints := make([]uint64, 6)
	for i := range ints {
		if ints[i], err = binary.ReadUvarint(r); err != nil {
			return st, fmt.Errorf("read header field %d: %w", i, err)
		}
	}
	st.Phase = int(ints[0])
	st.QueryCount = int(ints[1])
	st.SwitchThreshold = int(ints[2])
	st.TransferKMax = int(ints[3])
	st.TransitionUnix = int64(ints[4])
	st.CtxCount = int(ints[5])

	dim, err := binary.ReadUvarint(r)
	if err != nil {
		return st, fmt.Errorf("read ctx mean length: %w", err)
	}
	if dim*8 > uint64(r.Len()) {
		return st, fmt.Errorf("ctx mean length %d exceeds remaining %d bytes", dim, r.Len())
	}
	st.CtxMean = make([]float64, dim)
	var tmp [8]byte
	for i := range st.CtxMean {
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return st, fmt.Errorf("read ctx mean: %w", err)
		}
		st.CtxMean[i] = math.Float64frombits(binary.LittleEndian.Uint64(tmp[:]))
	}

	if st.Phase1, err = readBlob(r); err != nil {
		return st, fmt.Errorf("read phase1 snapshot: %w", err)
	}
	if st.Phase2, err = readBlob(r); err != nil {
		return st, fmt.Errorf("read phase2 snapshot: %w", err)
	}
	return st, nil
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("blob length %d exceeds remaining %d bytes", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
