package janitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vramdispatch/dispatcher/internal/coordstore"
	"github.com/vramdispatch/dispatcher/internal/janitor"
	"github.com/vramdispatch/dispatcher/internal/mrc"
	"github.com/vramdispatch/dispatcher/internal/tracker"
)

func TestJanitorSweepRemovesStaleEntries(t *testing.T) {
	store := coordstore.NewFake()
	tr := tracker.New(store)
	ctx := context.Background()

	require.NoError(t, tr.MarkActive(ctx, "orphaned", "task-crashed"))
	require.NoError(t, tr.MarkReserved(ctx, "kept", "task-live"))

	client := &mrc.Fake{Resident: []mrc.ModelInfo{{Name: "kept"}}}
	j := janitor.New(tr, client, nil, 10*time.Millisecond, nil, nil)

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_ = j.Run(runCtx)

	protected, err := tr.ProtectedModels(ctx)
	require.NoError(t, err)
	require.NotContains(t, protected, "orphaned")
	require.Contains(t, protected, "kept")
}
