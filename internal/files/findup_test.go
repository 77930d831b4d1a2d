package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "marker"), nil, 0o644))

	p, err := FindUp("marker", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "marker"), p)

	_, err = FindUp("definitely-not-here-5f2c", nested)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = FindUp("marker", filepath.Join(root, "missing"))
	assert.Error(t, err)
}
