package vmm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
name: demo
memory_size: 0x4000000
vcpus: 2
serial: true
disks:
  - path: /tmp/root.img
    read_only: true
    serial: rootfs
`))
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, uint64(0x4000000), cfg.MemorySize)
	assert.Equal(t, 2, cfg.VCPUs)
	assert.True(t, cfg.Serial)
	require.Len(t, cfg.Disks, 1)
	assert.Equal(t, "/tmp/root.img", cfg.Disks[0].Path)
	assert.True(t, cfg.Disks[0].ReadOnly)
	assert.Equal(t, "rootfs", cfg.Disks[0].Serial)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("memory_size: 0x100000\n"))
	require.NoError(t, err)

	assert.Equal(t, "machine", cfg.Name)
	assert.Equal(t, 1, cfg.VCPUs)
	assert.False(t, cfg.Serial)
	assert.Empty(t, cfg.Disks)
}

func TestParseConfigRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
	}{
		{"unknown field", "memory_size: 0x100000\nmemroy: 1\n"},
		{"missing memory", "name: m\n"},
		{"oversized memory", "memory_size: 0xd0000000\n"},
		{"negative vcpus", "memory_size: 0x100000\nvcpus: -1\n"},
		{"pathless disk", "memory_size: 0x100000\ndisks:\n  - read_only: true\n"},
		{"not yaml", "{{{\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: disk\nmemory_size: 0x100000\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "disk", cfg.Name)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
