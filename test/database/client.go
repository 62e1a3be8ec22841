package database

import (
	"testing"

	"github.com/codeready-toolchain/quorum/pkg/database"
	"github.com/codeready-toolchain/quorum/test/util"
)

// NewTestClient creates a test database client.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The container/connection is automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	return util.SetupTestDatabase(t)
}
