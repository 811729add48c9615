package expertise

import (
	"context"
	"sort"
	"sync"
)

// MemoryVectorStore is a brute-force VectorStore standing in for Milvus.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{vectors: make(map[string][]float32)}
}

func (m *MemoryVectorStore) UpsertVector(ctx context.Context, contactID string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[contactID] = append([]float32(nil), vector...)
	return nil
}

func (m *MemoryVectorStore) SearchVectors(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	m.mu.RLock()
	hits := make([]Hit, 0, len(m.vectors))
	for id, v := range m.vectors {
		hits = append(hits, Hit{ContactID: id, Score: float32(Cosine(vector, v))})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ContactID < hits[b].ContactID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
