//go:build integration

package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

func TestRunWorkflowCommandPostgres(t *testing.T) {
	server := ordersAPI(t)
	dsn, store, cleanup := setupTestDatabase(t)
	defer cleanup()
	verifyDatabaseSchema(t, store)
	seedOrders(t, store, server.URL)

	out, err := executeCommand(t, "postgres", dsn,
		"run", "workflow", "wf-orders",
		"--accounts", "acct-alice,acct-victor",
		"--env", "env-test",
		"--run-id", "run-pg",
		"--output", "json",
		"--quiet",
	)
	require.NoError(t, err, out)

	var report runReport
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, types.RunStatusCompleted, report.Outcome.Status)
	assert.Len(t, report.Findings, 1)
}
