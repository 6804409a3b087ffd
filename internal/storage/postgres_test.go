package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	logx "commdispatch/pkg/logx"
)

// Set COMMDISPATCH_TEST_POSTGRES_DSN to run against a live database.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("COMMDISPATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COMMDISPATCH_TEST_POSTGRES_DSN not set")
	}
	st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	runStoreSuite(t, st)
}
