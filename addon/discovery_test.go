// SPDX-License-Identifier: GPL-3.0-or-later

package addon

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wumode/mitmpilot-core/addonapi"
)

func TestScanDirListsSubdirectoriesAsCandidates(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "GeoBlock"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "adblock"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notadir.txt"), nil, 0o644))

	candidates, err := ScanDir(root)
	require.NoError(t, err)
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	assert.ElementsMatch(t, []string{"geoblock", "adblock"}, ids)
}

func TestInstalledIDsFiltersAgainstInstalledList(t *testing.T) {
	candidates := []Candidate{{ID: "geoblock"}, {ID: "adblock"}, {ID: "unlisted"}}
	got := InstalledIDs(candidates, []string{"GeoBlock"}, "")
	assert.Equal(t, []string{"geoblock"}, got)
}

func TestInstalledIDsDevOverrideIgnoresInstalledList(t *testing.T) {
	candidates := []Candidate{{ID: "geoblock"}, {ID: "adblock"}}
	got := InstalledIDs(candidates, nil, "AdBlock")
	assert.Equal(t, []string{"adblock"}, got)
}

func TestManagerBootstrapDiscoversOnlyKnownFactories(t *testing.T) {
	m, _ := newTestManager()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "geoblock"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "noext"), 0o755))

	factories := map[string]Factory{
		"geoblock": func() (addonapi.Lifecycle, error) { return &fakeAddon{id: "geoblock"}, nil },
	}
	require.NoError(t, m.Bootstrap(root, []string{"geoblock", "noext"}, factories))

	_, ok := m.State("geoblock")
	assert.True(t, ok)
	_, ok = m.State("noext")
	assert.False(t, ok, "a candidate with no compiled-in factory must not be discovered")
}

func TestManagerWatchInitializesNewAddonOnDirectoryCreate(t *testing.T) {
	m, _ := newTestManager()
	root := t.TempDir()

	a := &fakeAddon{id: "geoblock", enabled: true}
	factories := map[string]Factory{
		"geoblock": func() (addonapi.Lifecycle, error) { return a, nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := m.Watch(ctx, root, []string{"geoblock"}, factories, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.Mkdir(filepath.Join(root, "geoblock"), 0o755))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.State("geoblock"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	state, ok := m.State("geoblock")
	require.True(t, ok)
	assert.Equal(t, StateInitialized, state)
	assert.Equal(t, int32(1), atomic.LoadInt32(&a.initCalls))
}
