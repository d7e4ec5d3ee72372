// Package util provides shared test fixtures.
package util

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/pkg/database"
)

// NewTestDB opens a migrated SQLite database in a per-test temp directory.
// t.TempDir removes the file tree when the test finishes, so there is
// nothing else to clean up besides the connection pool.
func NewTestDB(t *testing.T) *database.Client {
	t.Helper()

	cfg := database.DefaultConfig(filepath.Join(t.TempDir(), "stepflow.db"))
	cfg.BusyTimeout = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
