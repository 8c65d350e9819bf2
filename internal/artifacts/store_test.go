package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestExistsAndValid(t *testing.T) {
	s := NewStore(logger.NewNopLogger())
	dir := t.TempDir()

	full := writeFile(t, dir, "full.mp4", "data")
	empty := writeFile(t, dir, "empty.mp4", "")
	absent := filepath.Join(dir, "absent.mp4")

	assert.True(t, s.ExistsAndValid([]string{full}))
	assert.False(t, s.ExistsAndValid([]string{empty}))
	assert.False(t, s.ExistsAndValid([]string{absent}))
	assert.False(t, s.ExistsAndValid([]string{full, absent}))

	// a job without declared outputs is never done
	assert.False(t, s.ExistsAndValid(nil))
}

func TestMissing(t *testing.T) {
	s := NewStore(logger.NewNopLogger())
	dir := t.TempDir()

	full := writeFile(t, dir, "full.mp4", "data")
	empty := writeFile(t, dir, "empty.mp4", "")
	absent := filepath.Join(dir, "absent.mp4")

	assert.Empty(t, s.Missing([]string{full}))
	assert.Equal(t, []string{empty, absent}, s.Missing([]string{full, empty, absent}))
}

func TestInvalidate(t *testing.T) {
	s := NewStore(logger.NewNopLogger())
	dir := t.TempDir()

	p := writeFile(t, dir, "out.mp4", "data")
	require.NoError(t, s.Invalidate([]string{p, filepath.Join(dir, "absent.mp4")}))
	assert.NoFileExists(t, p)
}

func TestRemovePartial(t *testing.T) {
	s := NewStore(logger.NewNopLogger())
	dir := t.TempDir()

	p := writeFile(t, dir, "partial.mp4", "trunc")
	s.RemovePartial([]string{p, filepath.Join(dir, "absent.mp4")})
	assert.NoFileExists(t, p)
}

func TestCleanup(t *testing.T) {
	s := NewStore(logger.NewNopLogger())
	dir := t.TempDir()

	p := writeFile(t, dir, "tmp.avi", "data")
	require.NoError(t, s.Cleanup([]string{p, filepath.Join(dir, "absent.avi")}))
	assert.NoFileExists(t, p)
}
