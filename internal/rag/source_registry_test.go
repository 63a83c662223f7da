package rag

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceRegistry_CommitAndReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "persist")
	r := NewSourceRegistry(dir)
	assert.Nil(t, r.UpdatedAt())

	require.NoError(t, r.Commit("a.pdf", "b.docx", "a.pdf"))
	require.NoError(t, r.Commit("b.docx", "c.md"))
	assert.Equal(t, []string{"a.pdf", "b.docx", "c.md"}, r.Names())
	assert.True(t, r.Has("c.md"))
	assert.NotNil(t, r.UpdatedAt())

	data, err := os.ReadFile(filepath.Join(dir, MetadataFileName))
	require.NoError(t, err)
	var meta struct {
		Sources   []string `json:"sources"`
		Timestamp string   `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, []string{"a.pdf", "b.docx", "c.md"}, meta.Sources)
	_, err = strconv.ParseInt(meta.Timestamp, 10, 64)
	assert.NoError(t, err)

	loaded, err := LoadSourceRegistry(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Len())
	assert.Equal(t, r.UpdatedAt().Unix(), loaded.UpdatedAt().Unix())
}

func TestSourceRegistry_MissingFile(t *testing.T) {
	r, err := LoadSourceRegistry(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Names())
}

func TestSourceRegistry_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFileName), []byte("{"), 0o644))
	_, err := LoadSourceRegistry(dir)
	assert.Error(t, err)
}

func TestSourceRegistry_Reset(t *testing.T) {
	dir := t.TempDir()
	r := NewSourceRegistry(dir)
	require.NoError(t, r.Commit("a.txt"))

	require.NoError(t, r.Reset())
	assert.Zero(t, r.Len())
	_, err := os.Stat(filepath.Join(dir, MetadataFileName))
	assert.True(t, os.IsNotExist(err))

	// 文件已不存在时再次重置不报错
	require.NoError(t, r.Reset())
}
