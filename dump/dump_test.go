package dump

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleDumpsAreLayered(t *testing.T) {
	s, err := NewSession(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Module("kernel.prototype", "; first"))
	require.NoError(t, s.Module("kernel.variant", "; second"))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "0000-kernel.prototype.ll")
	assert.Contains(t, names, "0001-kernel.variant.ll")

	data, err := os.ReadFile(filepath.Join(s.Dir(), "0000-kernel.prototype.ll"))
	require.NoError(t, err)
	assert.Equal(t, "; first", string(data))
}

func TestCorpusRecordRoundTrips(t *testing.T) {
	s, err := NewSession(t.TempDir())
	require.NoError(t, err)

	ir := "define void @f() {\nentry:\n  ret void\n}\n"
	require.NoError(t, s.Corpus("f_0.pjit.scop", ir))

	f, err := os.Open(filepath.Join(s.Dir(), "corpus", "f_0.pjit.scop.ll.lz4"))
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(lz4.NewReader(f))
	require.NoError(t, err)
	assert.Equal(t, ir, string(data))
}

func TestConcurrentSessionsGetDistinctDirs(t *testing.T) {
	base := t.TempDir()
	s1, err := NewSession(base)
	require.NoError(t, err)
	s2, err := NewSession(base)
	require.NoError(t, err)

	assert.NotEqual(t, s1.Dir(), s2.Dir())
}
