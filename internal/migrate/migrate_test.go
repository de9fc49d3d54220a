package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesAreEmbeddedInOrder(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	assert.Equal(t, "0001_init.sql", files[0])
	assert.IsIncreasing(t, files)
}

func TestInitCreatesEngineTables(t *testing.T) {
	b, err := fs.ReadFile("0001_init.sql")
	require.NoError(t, err)

	for _, table := range []string{"operators", "users", "bookings", "events"} {
		assert.Contains(t, string(b), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}
