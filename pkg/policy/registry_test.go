package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

func TestRegistry_ReloadKeepsOldVersionsResolvable(t *testing.T) {
	dir := t.TempDir()
	copyPolicy(t, filepath.Join("testdata", "v1"), dir)

	reg := NewRegistry(NewLoader(dir))
	var reloaded []string
	reg.OnReload(func(s *Snapshot) { reloaded = append(reloaded, s.LaneVersion) })

	v1, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, v1, reg.Current())

	copyPolicy(t, filepath.Join("testdata", "v2"), dir)
	v2, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, v2, reg.Current())
	assert.Equal(t, []string{"v1", "v2"}, reloaded)

	// The v1 snapshot is untouched by the reload.
	old, err := reg.Resolve(v1.Refs())
	require.NoError(t, err)
	assert.Same(t, v1, old)
	assert.False(t, old.Tools["web_search"].Enabled)
	assert.True(t, v2.Tools["web_search"].Enabled)
}

func TestRegistry_RejectsContentChangeWithoutVersionBump(t *testing.T) {
	dir := t.TempDir()
	copyPolicy(t, filepath.Join("testdata", "v1"), dir)
	reg := NewRegistry(NewLoader(dir))
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join("testdata", "v2", ToolRegistryFile))
	require.NoError(t, err)
	// v2 tool content under the v1 version string.
	data = append([]byte("version: v1"), data[len("version: v2"):]...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ToolRegistryFile), data, 0o600))

	_, err = reg.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "v1", reg.Current().ToolVersion)
	assert.False(t, reg.Current().Tools["web_search"].Enabled)
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Resolve(contracts.PolicyVersionRefs{LanePolicy: "v9", RolePolicy: "v9"})
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.Nil(t, reg.Current())

	_, err = reg.Reload(context.Background())
	assert.Error(t, err)
}

func TestRegistry_ConcurrentReadsDuringInstall(t *testing.T) {
	dir := t.TempDir()
	copyPolicy(t, filepath.Join("testdata", "v1"), dir)
	reg := NewRegistry(NewLoader(dir))
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := reg.Current()
				if snap == nil || snap.LaneVersion == "" {
					t.Error("observed incomplete snapshot")
					return
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		reg.Install(reg.Current())
	}
	wg.Wait()
}
