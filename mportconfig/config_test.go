package mportconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nonexistent.conf"))
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, s.FetchTimeout)
	assert.Equal(t, "/var/db/mport", s.DBDir)
	assert.False(t, s.AssumeAlwaysYes)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mport.conf")
	require.NoError(t, os.WriteFile(path, []byte(
		"mirror_region: de\ntarget_os: \"3.2\"\nassume_always_yes: true\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "de", s.MirrorRegion)
	assert.Equal(t, "3.2", s.TargetOS)
	assert.True(t, s.AssumeAlwaysYes)
	assert.Equal(t, 120*time.Second, s.FetchTimeout, "unset keys keep defaults")
}

func TestPathLayout(t *testing.T) {
	s := Default()
	s.Root = "/chroot"
	assert.Equal(t, "/chroot/var/db/mport/master.db", s.MasterDB())
	assert.Equal(t, "/chroot/var/db/mport/.lock", s.LockPath())
	assert.Equal(t, "/chroot/var/db/mport/downloads", s.DownloadsDir())
	assert.Equal(t, "/chroot/var/db/mport/index/index.db", s.IndexDB())
	assert.Equal(t, "/chroot/var/db/mport/infrastructure/foo-1.0", s.InfraDir("foo", "1.0"))

	s.DownloadDir = "/tmp/dl"
	assert.Equal(t, "/tmp/dl", s.DownloadsDir())

	assert.Equal(t,
		"https://m.example/3.2/"+s.Arch+"/index.db.zst",
		s.IndexURL("https://m.example"))
}
