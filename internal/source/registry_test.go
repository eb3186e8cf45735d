package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hailtrace/internal/model"
)

type stubAdapter struct{ kind model.Source }

func (s stubAdapter) Kind() model.Source { return s.kind }

func (s stubAdapter) Fetch(context.Context) (*Batch, error) { return newBatch(), nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{model.SourceReport}, stubAdapter{model.SourceGrid})

	assert.Equal(t, []model.Source{model.SourceGrid, model.SourceReport}, r.Kinds())

	a, err := r.Get(model.SourceGrid)
	require.NoError(t, err)
	assert.Equal(t, model.SourceGrid, a.Kind())

	_, err = r.Get(model.SourceAlert)
	assert.Error(t, err)

	r.Register(stubAdapter{model.SourceAlert})
	assert.Len(t, r.Kinds(), 3)
}
