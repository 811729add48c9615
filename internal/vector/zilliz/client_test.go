package zilliz

import (
	"errors"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/backend/internal/expertise"
)

func TestHitsFromReadsIDsAndScores(t *testing.T) {
	results := []client.SearchResult{{
		ResultCount: 2,
		IDs:         entity.NewColumnVarChar(idField, []string{"alice", "bob"}),
		Scores:      []float32{0.93, 0.41},
	}}

	hits, err := hitsFrom(results)
	require.NoError(t, err)
	assert.Equal(t, []expertise.Hit{{ContactID: "alice", Score: 0.93}, {ContactID: "bob", Score: 0.41}}, hits)
}

func TestHitsFromSurfacesResultError(t *testing.T) {
	_, err := hitsFrom([]client.SearchResult{{Err: errors.New("collection not loaded")}})
	assert.Error(t, err)
}
