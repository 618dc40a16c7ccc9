package kernel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoopList(t *testing.T) {
	sys := t.TempDir()
	writeFile(t, filepath.Join(sys, "block", "loop10", "loop", "backing_file"), "/swapfile/2\n")
	writeFile(t, filepath.Join(sys, "block", "loop2", "loop", "backing_file"), "/swapfile/1 (deleted)\n")
	require.NoError(t, os.MkdirAll(filepath.Join(sys, "block", "loop3"), 0755))

	loops, err := NewSysLoopDevices(sys, "/dev").List()
	require.NoError(t, err)
	require.Len(t, loops, 2)

	assert.Equal(t, LoopInfo{Device: "/dev/loop2", Backing: "/swapfile/1", Deleted: true}, loops[0])
	assert.Equal(t, LoopInfo{Device: "/dev/loop10", Backing: "/swapfile/2"}, loops[1])
}

func TestTuneQueue(t *testing.T) {
	sys := t.TempDir()
	queue := filepath.Join(sys, "block", "loop4", "queue")
	for _, attr := range []string{"rotational", "scheduler", "nomerges", "nr_requests", "read_ahead_kb"} {
		writeFile(t, filepath.Join(queue, attr), "x")
	}

	require.NoError(t, TuneQueue(sys, "/dev/loop4", QueueOptions{NrRequests: 64}))
	require.NoError(t, SetReadahead(sys, "/dev/loop4"))

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(queue, name))
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "0", read("rotational"))
	assert.Equal(t, "none", read("scheduler"))
	assert.Equal(t, "64", read("nr_requests"))
	assert.Equal(t, "8", read("read_ahead_kb"))

	_, err := os.Stat(filepath.Join(queue, "wbt_lat_usec"))
	assert.True(t, os.IsNotExist(err), "absent attributes must not be created")
}

func TestFSTypeFromMagic(t *testing.T) {
	assert.Equal(t, FSBtrfs, fsTypeFromMagic(uint32(unix.BTRFS_SUPER_MAGIC)))
	assert.Equal(t, FSExt4, fsTypeFromMagic(uint32(unix.EXT4_SUPER_MAGIC)))
	assert.Equal(t, FSXFS, fsTypeFromMagic(uint32(unix.XFS_SUPER_MAGIC)))
	assert.Equal(t, FSUnknown, fsTypeFromMagic(0x1234))

	assert.True(t, FSBtrfs.SupportsSwap())
	assert.False(t, FSTmpfs.SupportsSwap())
}

func TestLongestMount(t *testing.T) {
	mounts := []*procfs.MountInfo{
		{MountPoint: "/", FSType: "ext4", Options: map[string]string{"rw": ""}},
		{MountPoint: "/var", FSType: "btrfs", Options: map[string]string{"rw": "", "relatime": ""},
			SuperOptions: map[string]string{"compress": "zstd:3", "autodefrag": ""}},
		{MountPoint: "/var/lib/docker", FSType: "overlay"},
	}

	m, err := longestMount(mounts, "/var/swap")
	require.NoError(t, err)
	assert.Equal(t, "/var", m.Path)
	assert.True(t, m.HasOption("autodefrag"))
	assert.Equal(t, "zstd:3", m.Option("compress"))

	m, err = longestMount(mounts, "/swapfile")
	require.NoError(t, err)
	assert.Equal(t, "/", m.Path)

	m, err = longestMount(mounts, "/variable")
	require.NoError(t, err)
	assert.Equal(t, "/", m.Path, "prefix without separator is not a parent")
}

func TestRemountFlags(t *testing.T) {
	mount := MountPoint{
		Path:    "/var",
		Options: map[string]string{"rw": "", "nosuid": "", "relatime": ""},
	}

	flags, data := RemountFlags(mount, []string{"noautodefrag", "noatime", "compress-force=zstd:1"})

	assert.NotZero(t, flags&unix.MS_REMOUNT)
	assert.NotZero(t, flags&unix.MS_NOSUID, "existing flags are kept")
	assert.NotZero(t, flags&unix.MS_NOATIME)
	assert.Zero(t, flags&unix.MS_RELATIME, "noatime replaces relatime")
	assert.Equal(t, "noautodefrag,compress-force=zstd:1", data)
}

func TestZswapEnabled(t *testing.T) {
	sys := t.TempDir()
	assert.False(t, ZswapEnabled(sys))

	writeFile(t, filepath.Join(sys, "module", "zswap", "parameters", "enabled"), "Y\n")
	assert.True(t, ZswapEnabled(sys))

	writeFile(t, filepath.Join(sys, "module", "zswap", "parameters", "enabled"), "N\n")
	assert.False(t, ZswapEnabled(sys))
}
