package uuid

import (
	"slices"
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsVersion7(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	require.NoError(t, err)

	parsed, err := googleuuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, googleuuid.Version(7), parsed.Version())
}

func TestNewIDsAreUniqueAndSortByCreation(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 200)
	for range 200 {
		id, err := gen.NewID()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.True(t, slices.IsSorted(ids), "v7 ids must sort in creation order")
	require.Len(t, slices.Compact(slices.Clone(ids)), len(ids))
}
