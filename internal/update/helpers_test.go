package update_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardsync/internal/domain"
)

func shape(t *testing.T, id, typ string, left, top float64) domain.Shape {
	t.Helper()

	s, err := domain.NewShape(id, typ, map[string]any{"left": left, "top": top})
	require.NoError(t, err)
	return s
}

func pathShape(t *testing.T, id, path string) domain.Shape {
	t.Helper()

	s, err := domain.NewShape(id, "path", map[string]any{"left": 0, "top": 0, "path": path})
	require.NoError(t, err)
	return s
}

func board(shapes ...domain.Shape) domain.Snapshot {
	if shapes == nil {
		shapes = []domain.Shape{}
	}
	return domain.Snapshot{Objects: shapes}
}
