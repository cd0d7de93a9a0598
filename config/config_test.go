package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValid(t *testing.T) {
	c := Default()

	require.NoError(t, c.Validate())
	assert.Equal(t, Size(256<<20), c.Cache.Size)
	assert.Equal(t, 4, c.JumpTable.DynamicElems)
	assert.Equal(t, 1<<16, c.JumpTable.Counters)
	assert.False(t, c.PTC.Enabled)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "armjit.toml")

	err := os.WriteFile(path, []byte(`
[translator]
workers = 2
dynamic_table = false

[cache]
size = "64MiB"

[jump_table]
static_entries = 4096

[ptc]
enabled = true
path = "x.ptc"
`), 0o644)
	require.NoError(t, err)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Translator.Workers)
	assert.False(t, c.Translator.DynamicTable)
	assert.True(t, c.Translator.UseJumpTable, "defaults kept")
	assert.Equal(t, Size(64<<20), c.Cache.Size)
	assert.Equal(t, 16, c.Cache.Alignment)
	assert.Equal(t, 4096, c.JumpTable.StaticEntries)
	assert.True(t, c.PTC.Enabled)
	assert.Equal(t, "x.ptc", c.PTC.Path)
}

func TestSizeForms(t *testing.T) {
	c, err := Parse("[cache]\nsize = 1048576\n")
	require.NoError(t, err)
	assert.Equal(t, Size(1<<20), c.Cache.Size)

	c, err = Parse("[cache]\nsize = \"2 MB\"\n")
	require.NoError(t, err)
	assert.Equal(t, Size(2_000_000), c.Cache.Size)

	_, err = Parse("[cache]\nsize = \"lots\"\n")
	assert.Error(t, err)

	assert.Equal(t, "64 MiB", Size(64<<20).String())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("[translator]\nworkerz = 1\n")
	assert.ErrorIs(t, err, ErrUndecoded)

	for _, doc := range []string{
		"[translator]\nworkers = -1\n",
		"[translator]\nworkers = 1000\n",
		"[translator]\nbackend = \"\"\n",
		"[translator]\nuse_jump_table = false\n",
		"[cache]\nalignment = 24\n",
		"[cache]\nsize = 100\n",
		"[jump_table]\ndynamic_elems = 0\n",
		"[translator]\nallow_lcq_in_function_table = true\n[jump_table]\ncounters = 0\n",
		"[ptc]\nenabled = true\npath = \"\"\n",
		"[ptc]\nprefetch = -3\n",
	} {
		_, err = Parse(doc)
		assert.ErrorIs(t, err, ErrInvalid, "%s", doc)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
