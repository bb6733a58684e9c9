package mportinstall

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mport/mport/mportasset"
	"github.com/mport/mport/mportbundle/bundletest"
	"github.com/mport/mport/mportcb"
	"github.com/mport/mport/mportconfig"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
)

// recordingCommand pretends every subprocess succeeds and records what
// would have run.
type recordingCommand struct {
	calls [][]string
}

func (c *recordingCommand) Run(argv []string, env []string, dir string) (int, error) {
	c.calls = append(c.calls, argv)
	return 0, nil
}

type harness struct {
	db       *mportdb.DB
	inst     *Installer
	settings *mportconfig.Settings
	cmd      *recordingCommand
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	settings := mportconfig.Default()
	settings.DBDir = "db"
	settings.Root = t.TempDir()

	db, err := mportdb.Open(settings, zap.NewNop(), mportcb.FixedClock{T: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cmd := &recordingCommand{}
	cb := &mportcb.Callbacks{
		Msg:      mportcb.DiscardMsg{},
		Progress: mportcb.NopProgress{},
		Confirm:  mportcb.StaticConfirm{Answer: true},
		Command:  cmd,
		Clock:    mportcb.FixedClock{T: time.Unix(1700000000, 0)},
	}

	return &harness{
		db:       db,
		inst:     New(db, settings, cb, zap.NewNop()),
		settings: settings,
		cmd:      cmd,
	}
}

func (h *harness) insertInstalled(t *testing.T, name, version string, automatic mportdb.Automatic) {
	t.Helper()
	_, err := h.db.Conn().Exec(
		`INSERT INTO packages (pkg, version, prefix, os_release, automatic, install_date, status)
		 VALUES (?,?,?,?,?,?, 'clean')`,
		name, version, "/usr/local", "3.2", int(automatic), 1690000000)
	require.NoError(t, err)
}

func fooBundle(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "foo-1.0.mport")
	binFoo := []byte("#!/bin/sh\necho foo\n")
	confSample := []byte("# default config\n")
	spec := &bundletest.Spec{
		Pkg: bundletest.Pkg{
			Name: "foo", Version: "1.0", Origin: "misc/foo",
			Prefix: "/usr/local", Comment: "test package", OSRelease: "3.2",
		},
		Assets: []bundletest.Asset{
			{Type: mportasset.Cwd, Data: "/usr/local"},
			{Type: mportasset.File, Data: "bin/foo"},
			{Type: mportasset.Sample, Data: "etc/foo.conf.sample"},
			{Type: mportasset.DirRmTry, Data: "share/foo"},
		},
		Depends: []bundletest.Depend{
			{Pkgname: "bar", Version: ">=2.0", Port: "devel/bar"},
		},
		Payload: map[string][]byte{
			"bin/foo":             binFoo,
			"etc/foo.conf.sample": confSample,
		},
		Metafiles: map[string][]byte{
			"+MESSAGE": []byte("enjoy foo\n"),
		},
		Categories: []string{"misc"},
	}
	require.NoError(t, bundletest.Build(path, spec))
	return path
}

func TestInstallMissingDependency(t *testing.T) {
	h := newHarness(t)
	bundle := fooBundle(t, t.TempDir())

	err := h.inst.InstallFile(context.Background(), bundle, mportdb.Explicit, "")
	require.Error(t, err)
	assert.Equal(t, mporterr.PrecheckDependMissing, mporterr.CodeOf(err))

	// precheck failures never mutate anything
	pkgs, err := h.db.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestInstallSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insertInstalled(t, "bar", "2.0", mportdb.Explicit)

	bundle := fooBundle(t, t.TempDir())
	require.NoError(t, h.inst.InstallFile(ctx, bundle, mportdb.Explicit, ""))

	pkg, err := h.db.Get(ctx, "foo")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, "1.0", pkg.Version)
	assert.Equal(t, "clean", pkg.Status)
	assert.Equal(t, time.Unix(1700000000, 0), pkg.InstallDate)
	assert.Equal(t, int64(len("#!/bin/sh\necho foo\n")+len("# default config\n")), pkg.Flatsize)

	deps, err := h.db.Depends(ctx, "foo")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "bar", deps[0].DependPkgname)
	assert.Equal(t, ">=2.0", deps[0].DependVersion)

	// files landed under the root prefix
	bin := filepath.Join(h.settings.Root, "usr/local/bin/foo")
	content, err := os.ReadFile(bin)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho foo\n", string(content))

	// sample active copy materialized
	active := filepath.Join(h.settings.Root, "usr/local/etc/foo.conf")
	_, err = os.Stat(active)
	require.NoError(t, err)

	// asset rows: file paths stored absolute with the root stripped,
	// carrying the recorded checksum
	assets, err := h.db.AssetList(ctx, "foo")
	require.NoError(t, err)
	var file *mportasset.Entry
	for _, e := range assets {
		if e.Type == mportasset.File {
			file = e
		}
	}
	require.NotNil(t, file)
	assert.Equal(t, "/usr/local/bin/foo", file.Data)

	hash, err := HashFile(bin)
	require.NoError(t, err)
	assert.Equal(t, hash, file.Checksum)

	// the log records the install
	var n int
	require.NoError(t, h.db.Conn().QueryRow(
		"SELECT COUNT(*) FROM log WHERE pkg='foo' AND msg='Installed'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestInstallNotUpgradeable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insertInstalled(t, "bar", "2.0", mportdb.Explicit)

	dir := t.TempDir()
	bundle := fooBundle(t, dir)
	require.NoError(t, h.inst.InstallFile(ctx, bundle, mportdb.Explicit, ""))

	err := h.inst.InstallFile(ctx, fooBundle(t, t.TempDir()), mportdb.Explicit, "")
	require.Error(t, err)
	assert.Equal(t, mporterr.PrecheckNotUpgradeable, mporterr.CodeOf(err))
}

func TestInstallConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insertInstalled(t, "oldfoo", "1.0", mportdb.Explicit)

	path := filepath.Join(t.TempDir(), "clash-1.0.mport")
	spec := &bundletest.Spec{
		Pkg: bundletest.Pkg{Name: "clash", Version: "1.0", Prefix: "/usr/local", OSRelease: "3.2"},
		Assets: []bundletest.Asset{
			{Type: mportasset.File, Data: "bin/clash"},
		},
		Conflicts: []bundletest.Conflict{{Pkg: "oldfoo", Version: "*"}},
		Payload:   map[string][]byte{"bin/clash": []byte("x")},
	}
	require.NoError(t, bundletest.Build(path, spec))

	err := h.inst.InstallFile(ctx, path, mportdb.Explicit, "")
	require.Error(t, err)
	assert.Equal(t, mporterr.PrecheckConflict, mporterr.CodeOf(err))
}

func TestInstallBundleOutOfSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "broken-1.0.mport")
	spec := &bundletest.Spec{
		Pkg: bundletest.Pkg{Name: "broken", Version: "1.0", Prefix: "/usr/local", OSRelease: "3.2"},
		Assets: []bundletest.Asset{
			{Type: mportasset.File, Data: "bin/one"},
			{Type: mportasset.File, Data: "bin/two"},
		},
		Payload: map[string][]byte{
			"bin/one": []byte("one"),
			"bin/two": []byte("two"),
		},
		OmitPayload: []string{"bin/two"},
	}
	require.NoError(t, bundletest.Build(path, spec))

	err := h.inst.InstallFile(ctx, path, mportdb.Explicit, "")
	require.Error(t, err)
	assert.Equal(t, mporterr.BundleOutOfSync, mporterr.CodeOf(err))

	// phase-2 failure rolls the database back atomically
	pkg, err := h.db.Get(ctx, "broken")
	require.NoError(t, err)
	assert.Nil(t, pkg)
}

func TestDeletePreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insertInstalled(t, "bar", "2.0", mportdb.Explicit)
	require.NoError(t, h.inst.InstallFile(ctx, fooBundle(t, t.TempDir()), mportdb.Explicit, ""))

	bar, err := h.db.Get(ctx, "bar")
	require.NoError(t, err)

	// foo depends on bar: deleting bar without force must fail untouched
	err = h.inst.Delete(ctx, bar, false)
	require.Error(t, err)
	assert.Equal(t, mporterr.PrecheckDependMissing, mporterr.CodeOf(err))

	still, err := h.db.Get(ctx, "bar")
	require.NoError(t, err)
	require.NotNil(t, still)

	// locked packages refuse deletion too
	require.NoError(t, h.db.SetLocked(ctx, "bar", true))
	barLocked, _ := h.db.Get(ctx, "bar")
	// make it otherwise deletable to isolate the lock check
	_, err = h.db.Conn().Exec("DELETE FROM depends WHERE pkg='foo'")
	require.NoError(t, err)
	err = h.inst.Delete(ctx, barLocked, false)
	require.Error(t, err)
	assert.Equal(t, mporterr.PrecheckLocked, mporterr.CodeOf(err))
}

func TestDeleteWithForce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insertInstalled(t, "bar", "2.0", mportdb.Explicit)
	require.NoError(t, h.inst.InstallFile(ctx, fooBundle(t, t.TempDir()), mportdb.Explicit, ""))

	bar, err := h.db.Get(ctx, "bar")
	require.NoError(t, err)
	require.NoError(t, h.inst.Delete(ctx, bar, true))

	gone, err := h.db.Get(ctx, "bar")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// the dangling foo->bar edge survives; orphan detection is the
	// operator's job
	deps, err := h.db.Depends(ctx, "foo")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "bar", deps[0].DependPkgname)
}

func TestDeleteRemovesFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insertInstalled(t, "bar", "2.0", mportdb.Explicit)
	require.NoError(t, h.inst.InstallFile(ctx, fooBundle(t, t.TempDir()), mportdb.Explicit, ""))

	foo, err := h.db.Get(ctx, "foo")
	require.NoError(t, err)
	require.NoError(t, h.inst.Delete(ctx, foo, false))

	_, err = os.Stat(filepath.Join(h.settings.Root, "usr/local/bin/foo"))
	assert.True(t, os.IsNotExist(err))

	var n int
	require.NoError(t, h.db.Conn().QueryRow("SELECT COUNT(*) FROM assets WHERE pkg='foo'").Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, h.db.Conn().QueryRow("SELECT COUNT(*) FROM depends WHERE pkg='foo'").Scan(&n))
	assert.Zero(t, n)
}

func TestUpdatePreservesAutomaticAndPrefix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insertInstalled(t, "bar", "2.0", mportdb.Explicit)
	require.NoError(t, h.inst.InstallFile(ctx, fooBundle(t, t.TempDir()), mportdb.AutoInstalled, ""))

	path := filepath.Join(t.TempDir(), "foo-1.1.mport")
	spec := &bundletest.Spec{
		Pkg: bundletest.Pkg{
			Name: "foo", Version: "1.1", Origin: "misc/foo",
			Prefix: "/usr/local", OSRelease: "3.2",
		},
		Assets: []bundletest.Asset{
			{Type: mportasset.Cwd, Data: "/usr/local"},
			{Type: mportasset.File, Data: "bin/foo"},
		},
		Depends: []bundletest.Depend{{Pkgname: "bar", Version: ">=2.0", Port: "devel/bar"}},
		Payload: map[string][]byte{"bin/foo": []byte("#!/bin/sh\necho foo 1.1\n")},
	}
	require.NoError(t, bundletest.Build(path, spec))

	require.NoError(t, h.inst.UpdateFile(ctx, path))

	pkg, err := h.db.Get(ctx, "foo")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, "1.1", pkg.Version)
	assert.Equal(t, mportdb.AutoInstalled, pkg.Automatic, "automatic flag carries over")
	assert.Equal(t, "/usr/local", pkg.Prefix)
	assert.Equal(t, "clean", pkg.Status)
}

func TestInstallCancellation(t *testing.T) {
	h := newHarness(t)
	h.insertInstalled(t, "bar", "2.0", mportdb.Explicit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.inst.InstallFile(ctx, fooBundle(t, t.TempDir()), mportdb.Explicit, "")
	require.Error(t, err)

	pkg, gerr := h.db.Get(context.Background(), "foo")
	require.NoError(t, gerr)
	assert.Nil(t, pkg, "cancelled install leaves no committed row")
}
