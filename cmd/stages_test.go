package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/pipeline"
)

func TestFlushCommands_RouteBeforeFlush(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		passes passFunc
		flush  string
	}{
		{name: "ebay", passes: ebayPasses, flush: "no marketplace configured"},
		{name: "psa", passes: psaPasses, flush: "no grading submitter configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			l, err := ledger.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			require.NoError(t, l.Migrate(ctx))
			t.Cleanup(func() { _ = l.Close() })

			// No marketplace or submitter: the route pass runs, the flush refuses.
			p := pipeline.New(pipeline.Deps{Ledger: l}, pipeline.Options{})
			passes := tt.passes(p)
			require.Len(t, passes, 2)

			r, err := passes[0](ctx)
			require.NoError(t, err)
			assert.Equal(t, "route", r.Stage)

			_, err = passes[1](ctx)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.flush)
		})
	}
}
