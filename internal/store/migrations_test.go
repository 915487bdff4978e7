package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSchemaSteps(t *testing.T) {
	steps, err := loadSchemaSteps()
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, 1, steps[0].version)
	assert.Equal(t, "initial_schema", steps[0].name)
}

func TestSQLStatements_DropsComments(t *testing.T) {
	script := "-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;\nCREATE INDEX i ON a(x);\n"
	stmts := sqlStatements(script)
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}
