package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToStringsSortsAndSkipsNonStrings(t *testing.T) {
	assert.Equal(t, []string{"cooking", "food"}, toStrings([]any{"food", 3, "cooking", nil}))
	assert.Empty(t, toStrings(nil))
	assert.Empty(t, toStrings("not a list"))
}
