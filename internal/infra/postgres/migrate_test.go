package postgres

import (
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationSource_VersionsInOrder(t *testing.T) {
	src, err := MigrationSource()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	versions := []uint{first}
	for v := first; ; {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		require.NoError(t, err)
		versions = append(versions, next)
		v = next
	}
	assert.Equal(t, []uint{1, 2}, versions)

	for _, v := range versions {
		up, _, err := src.ReadUp(v)
		require.NoError(t, err)
		up.Close()
		down, _, err := src.ReadDown(v)
		require.NoError(t, err, "version %d has no down migration", v)
		down.Close()
	}
}

func TestMigrations_DefineUpdateFunction(t *testing.T) {
	src, err := MigrationSource()
	require.NoError(t, err)
	defer src.Close()

	r, _, err := src.ReadUp(1)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(body), "crm_update_document")
	assert.Contains(t, string(body), "parent")
}

func TestDecode(t *testing.T) {
	doc, err := decode(nil)
	require.NoError(t, err)
	assert.Empty(t, doc)

	doc, err = decode([]byte(`{"name":"Acme","n":2}`))
	require.NoError(t, err)
	assert.Equal(t, "Acme", doc["name"])
	assert.Equal(t, float64(2), doc["n"])

	_, err = decode([]byte(`[1]`))
	assert.Error(t, err)
}
