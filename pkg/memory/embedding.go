package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Vector is an optional dense embedding. The zero value is absent.
type Vector struct {
	values []float32
	ok     bool
}

// SomeVector wraps values as a present vector. An empty slice is absent.
func SomeVector(values []float32) Vector {
	if len(values) == 0 {
		return Vector{}
	}
	cp := make([]float32, len(values))
	copy(cp, values)
	return Vector{values: cp, ok: true}
}

func NoVector() Vector { return Vector{} }

// Get returns the values and whether the vector is present.
func (v Vector) Get() ([]float32, bool) {
	return v.values, v.ok
}

func (v Vector) Present() bool { return v.ok }

func (v Vector) Len() int { return len(v.values) }

func (v Vector) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.values)
}

func (v *Vector) UnmarshalJSON(data []byte) error {
	var values []float32
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*v = SomeVector(values)
	return nil
}

func (v Vector) EncodeMsgpack(enc *msgpack.Encoder) error {
	if !v.ok {
		return enc.EncodeNil()
	}
	return enc.Encode(v.values)
}

func (v *Vector) DecodeMsgpack(dec *msgpack.Decoder) error {
	var values []float32
	if err := dec.Decode(&values); err != nil {
		return err
	}
	*v = SomeVector(values)
	return nil
}

// Similarity returns cosine similarity of two vectors, and false when either is absent.
func Similarity(a, b Vector) (float64, bool) {
	av, aok := a.Get()
	bv, bok := b.Get()
	if !aok || !bok {
		return 0, false
	}
	na, nb := vectorNorm(av), vectorNorm(bv)
	if na == 0 || nb == 0 {
		return 0, false
	}
	return cosineSimilarity(av, bv) / (na * nb), true
}

const (
	ChargramEmbeddingModel = "tamagotchi-chargram-384-v1"
	HashEmbeddingModel     = "tamagotchi-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_\-']+`)

// NewLocalEmbedder returns one of the deterministic offline embedders.
func NewLocalEmbedder(name string) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "chargram", ChargramEmbeddingModel:
		return &chargramEmbedder{dims: 384, modelID: ChargramEmbeddingModel}, nil
	case "hash", HashEmbeddingModel:
		return &hashEmbedder{dims: 256, modelID: HashEmbeddingModel}, nil
	default:
		return nil, fmt.Errorf("unknown local embedder %q", name)
	}
}

type hashEmbedder struct {
	dims    int
	modelID string
}

func (e *hashEmbedder) ModelID() string { return e.modelID }

func (e *hashEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return NoVector(), nil
	}
	vec := make([]float32, e.dims)
	for _, token := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * float32(1+len(token)/8)
	}
	normalizeVector(vec)
	return SomeVector(vec), nil
}

type chargramEmbedder struct {
	dims    int
	modelID string
}

func (e *chargramEmbedder) ModelID() string { return e.modelID }

func (e *chargramEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return NoVector(), nil
	}
	vec := make([]float32, e.dims)
	window := []rune("#" + normalized + "#")
	for i := 0; i+3 <= len(window); i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(string(window[i : i+3])))
		vec[int(h.Sum64()%uint64(e.dims))] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		vec[int(h.Sum64()%uint64(e.dims))] += 1.25
	}
	normalizeVector(vec)
	return SomeVector(vec), nil
}

// embedOrAbsent calls the embedder and folds every failure into an absent vector.
func embedOrAbsent(ctx context.Context, e Embedder, text string) (Vector, error) {
	if e == nil || strings.TrimSpace(text) == "" {
		return NoVector(), nil
	}
	v, err := e.Embed(ctx, text)
	if err != nil {
		return NoVector(), fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	return v, nil
}

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func vectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
