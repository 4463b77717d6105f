package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/roce"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, roce.PMTU1024, cfg.PMTU)
	assert.True(t, cfg.Access.Has(roce.AccessRemoteWrite))
}

func TestLoadOverlaysSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qp.ini")
	contents := "[qp]\npmtu = 2048\ndst_qpn = 42\nrnr_timer = 3\naccess_remote_atomic = false\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, roce.PMTU2048, cfg.PMTU)
	assert.EqualValues(t, 42, cfg.DstQPN)
	assert.Equal(t, 3, cfg.RNRTimer)
	assert.False(t, cfg.Access.Has(roce.AccessRemoteAtomic))
	assert.True(t, cfg.Access.Has(roce.AccessRemoteWrite))
}

func TestLoadRejectsInvalidPMTU(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qp.ini")
	require.NoError(t, os.WriteFile(path, []byte("[qp]\npmtu = 777\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingSectionReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.ini")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}
