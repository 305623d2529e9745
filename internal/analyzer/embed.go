package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashEmbedder is a deterministic stand-in embedder: it expands SHA-256
// digests of the text into a unit-norm dense vector. It carries no semantic
// signal, but gives contextual policies a stable per-query vector when no
// real embedding model is wired in.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a hash embedder producing dim-wide vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = EmbeddingDim
	}
	return &HashEmbedder{dim: dim}
}

// Dim reports the vector width this embedder produces.
func (h *HashEmbedder) Dim() int { return h.dim }

// Embed implements Embedder. It never fails and ignores ctx beyond the
// interface contract.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	v := make([]float64, h.dim)
	var counter [8]byte
	var sum float64
	i := 0
	for block := uint64(0); i < h.dim; block++ {
		binary.LittleEndian.PutUint64(counter[:], block)
		d := sha256.New()
		d.Write([]byte(text))
		d.Write(counter[:])
		digest := d.Sum(nil)
		for off := 0; off+8 <= len(digest) && i < h.dim; off += 8 {
			u := binary.LittleEndian.Uint64(digest[off : off+8])
			// Map to [-1, 1).
			v[i] = float64(int64(u)) / math.MaxInt64
			sum += v[i] * v[i]
			i++
		}
	}
	if sum > 0 {
		norm := math.Sqrt(sum)
		for j := range v {
			v[j] /= norm
		}
	}
	return v, nil
}
