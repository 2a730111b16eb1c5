package idtags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/mocks"
)

func writeTagFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idtags.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_RoundRobinPerConnector(t *testing.T) {
	path := writeTagFile(t, `["TAG-A","TAG-B","TAG-C"]`)

	source, err := Load(path, DistributionRoundRobin, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, source.Len())

	// Each connector advances its own cursor.
	for _, want := range []string{"TAG-A", "TAG-B", "TAG-C", "TAG-A"} {
		tag, ok := source.Next(1)
		require.True(t, ok)
		assert.Equal(t, want, tag)
	}
	tag, ok := source.Next(2)
	require.True(t, ok)
	assert.Equal(t, "TAG-A", tag, "connector 2 starts from its own cursor")
}

func TestLoad_ConnectorAffinity(t *testing.T) {
	path := writeTagFile(t, `["TAG-A","TAG-B"]`)

	source, err := Load(path, DistributionConnector, nil, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tag, ok := source.Next(1)
		require.True(t, ok)
		assert.Equal(t, "TAG-B", tag, "connector 1 keeps its tag across sessions")
	}
	tag, ok := source.Next(2)
	require.True(t, ok)
	assert.Equal(t, "TAG-A", tag)
}

func TestLoad_RandomStaysInList(t *testing.T) {
	path := writeTagFile(t, `["TAG-A","TAG-B","TAG-C"]`)

	source, err := Load(path, DistributionRandom, nil, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		tag, ok := source.Next(1)
		require.True(t, ok)
		assert.True(t, source.Contains(tag))
	}
}

func TestLoad_DefaultsToRoundRobin(t *testing.T) {
	path := writeTagFile(t, `["TAG-A","TAG-B"]`)

	source, err := Load(path, "", nil, zap.NewNop())
	require.NoError(t, err)

	first, _ := source.Next(1)
	second, _ := source.Next(1)
	assert.Equal(t, "TAG-A", first)
	assert.Equal(t, "TAG-B", second)
}

func TestLoad_Rejections(t *testing.T) {
	empty := writeTagFile(t, `[]`)
	_, err := Load(empty, DistributionRoundRobin, nil, zap.NewNop())
	assert.Error(t, err, "empty list")

	malformed := writeTagFile(t, `{"tags":[]}`)
	_, err = Load(malformed, DistributionRoundRobin, nil, zap.NewNop())
	assert.Error(t, err, "not a string array")

	good := writeTagFile(t, `["TAG-A"]`)
	_, err = Load(good, "fair-share", nil, zap.NewNop())
	assert.Error(t, err, "unknown distribution")

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"), DistributionRoundRobin, nil, zap.NewNop())
	assert.Error(t, err, "missing file")
}

func TestLoad_CacheHitSkipsFile(t *testing.T) {
	store := mocks.NewMockCache()
	path := writeTagFile(t, `["TAG-A"]`)

	// Warm the cache, then remove the file; a second load must still succeed.
	_, err := Load(path, DistributionRoundRobin, store, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	source, err := Load(path, DistributionRoundRobin, store, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, source.Len())
}

func TestContains(t *testing.T) {
	path := writeTagFile(t, `["TAG-A","TAG-B"]`)
	source, err := Load(path, DistributionRoundRobin, nil, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, source.Contains("TAG-A"))
	assert.False(t, source.Contains("TAG-Z"))
}
