package mportplan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mport/mport/mportbundle/bundletest"
	"github.com/mport/mport/mportcb"
	"github.com/mport/mport/mportconfig"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
	"github.com/mport/mport/mportindex"
)

type fakeIndex struct {
	entries  map[string][]*mportindex.Entry
	byOrigin map[string]*mportindex.Entry
	moved    map[string]*mportindex.MovedEntry
	depends  map[string][]*mportindex.DependsEntry

	checkCalls map[string]int
	movedCalls map[string]int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		entries:    make(map[string][]*mportindex.Entry),
		byOrigin:   make(map[string]*mportindex.Entry),
		moved:      make(map[string]*mportindex.MovedEntry),
		depends:    make(map[string][]*mportindex.DependsEntry),
		checkCalls: make(map[string]int),
		movedCalls: make(map[string]int),
	}
}

func (f *fakeIndex) Check(ctx context.Context, pkg *mportdb.PackageMeta) (mportindex.CheckResult, error) {
	f.checkCalls[pkg.Name]++
	if entries := f.entries[pkg.Name]; len(entries) > 0 {
		newest := entries[len(entries)-1]
		if newest.Version > pkg.Version {
			return mportindex.UpdateAvailable, nil
		}
		return mportindex.NoUpdate, nil
	}
	if e := f.byOrigin[pkg.Origin]; e != nil && e.Pkgname != pkg.Name {
		return mportindex.OriginMatch, nil
	}
	return mportindex.NoUpdate, nil
}

func (f *fakeIndex) MovedLookup(ctx context.Context, origin string) (*mportindex.MovedEntry, error) {
	f.movedCalls[origin]++
	return f.moved[origin], nil
}

func (f *fakeIndex) LookupByName(ctx context.Context, name string) ([]*mportindex.Entry, error) {
	return f.entries[name], nil
}

func (f *fakeIndex) LookupByOrigin(ctx context.Context, origin, exclude string) (*mportindex.Entry, error) {
	if e := f.byOrigin[origin]; e != nil && e.Pkgname != exclude {
		return e, nil
	}
	return nil, nil
}

func (f *fakeIndex) DependsList(ctx context.Context, name, version string) ([]*mportindex.DependsEntry, error) {
	return f.depends[name], nil
}

func (f *fakeIndex) BundleURL(ctx context.Context, e *mportindex.Entry) string {
	return "http://mirror.test/" + e.Bundlefile
}

type fakeOps struct {
	calls []string
}

func (f *fakeOps) InstallFile(ctx context.Context, path string, automatic mportdb.Automatic, prefix string) error {
	f.calls = append(f.calls, fmt.Sprintf("install:%s:auto=%d", path, int(automatic)))
	return nil
}

func (f *fakeOps) UpdateFile(ctx context.Context, path string) error {
	f.calls = append(f.calls, "update:"+path)
	return nil
}

func (f *fakeOps) Delete(ctx context.Context, pkg *mportdb.PackageMeta, force bool) error {
	f.calls = append(f.calls, fmt.Sprintf("delete:%s:force=%v", pkg.Name, force))
	return nil
}

type fakeFetcher struct {
	responses map[string][]byte
}

func (f *fakeFetcher) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	data, ok := f.responses[url]
	if !ok {
		return nil, fmt.Errorf("unexpected fetch: %s", url)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type planHarness struct {
	db  *mportdb.DB
	idx *fakeIndex
	ops *fakeOps
	ftc *fakeFetcher
	p   *Planner
}

func newPlanHarness(t *testing.T, confirm bool) *planHarness {
	t.Helper()
	settings := mportconfig.Default()
	settings.DBDir = t.TempDir()

	db, err := mportdb.Open(settings, zap.NewNop(), mportcb.FixedClock{T: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx := newFakeIndex()
	ops := &fakeOps{}
	ftc := &fakeFetcher{responses: make(map[string][]byte)}
	cb := &mportcb.Callbacks{
		Msg:      mportcb.DiscardMsg{},
		Progress: mportcb.NopProgress{},
		Confirm:  mportcb.StaticConfirm{Answer: confirm},
		Fetcher:  ftc,
		Clock:    mportcb.FixedClock{T: time.Unix(1700000000, 0)},
	}

	return &planHarness{
		db:  db,
		idx: idx,
		ops: ops,
		ftc: ftc,
		p:   New(db, idx, ops, settings, cb, zap.NewNop()),
	}
}

func (h *planHarness) insert(t *testing.T, name, version, origin string, automatic mportdb.Automatic) {
	t.Helper()
	_, err := h.db.Conn().Exec(
		`INSERT INTO packages (pkg, version, origin, prefix, automatic, install_date, status)
		 VALUES (?,?,?,'/usr/local',?,1690000000,'clean')`,
		name, version, origin, int(automatic))
	require.NoError(t, err)
}

func (h *planHarness) depend(t *testing.T, pkg, dep string) {
	t.Helper()
	_, err := h.db.Conn().Exec(
		"INSERT INTO depends (pkg, depend_pkgname, depend_pkgversion) VALUES (?,?,'')", pkg, dep)
	require.NoError(t, err)
}

// indexEntry registers an available version whose bundle downloads and
// verifies cleanly.
func (h *planHarness) indexEntry(name, version string) {
	content := []byte("bundle-" + name + "-" + version)
	e := &mportindex.Entry{
		Pkgname:    name,
		Version:    version,
		Bundlefile: name + "-" + version + ".mport",
		Hash:       bundletest.Checksum(content),
	}
	h.idx.entries[name] = append(h.idx.entries[name], e)
	h.ftc.responses["http://mirror.test/"+e.Bundlefile] = content
}

func TestUpgradeSimpleUpdate(t *testing.T) {
	h := newPlanHarness(t, true)
	ctx := context.Background()

	h.insert(t, "foo", "1.0", "misc/foo", mportdb.Explicit)
	h.indexEntry("foo", "1.1")

	sum, err := h.p.Upgrade(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)
	require.Len(t, h.ops.calls, 1)
	assert.Contains(t, h.ops.calls[0], "update:")
	assert.Contains(t, h.ops.calls[0], "foo-1.1.mport")
}

func TestUpgradeOrderingDependsFirst(t *testing.T) {
	h := newPlanHarness(t, true)
	ctx := context.Background()

	h.insert(t, "foo", "1.0", "misc/foo", mportdb.Explicit)
	h.insert(t, "bar", "2.0", "devel/bar", mportdb.AutoInstalled)
	h.depend(t, "foo", "bar")
	h.indexEntry("foo", "1.1")
	h.indexEntry("bar", "2.1")

	sum, err := h.p.Upgrade(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Updated)

	require.Len(t, h.ops.calls, 2)
	assert.Contains(t, h.ops.calls[0], "bar-2.1.mport", "a package is never upgraded before its down-depends")
	assert.Contains(t, h.ops.calls[1], "foo-1.1.mport")
}

func TestUpgradeMemoizesIndexChecks(t *testing.T) {
	h := newPlanHarness(t, true)
	ctx := context.Background()

	// bar is referenced by two dependents and appears in the walk three
	// times; the check cache collapses that to one probe
	h.insert(t, "foo", "1.0", "misc/foo", mportdb.Explicit)
	h.insert(t, "baz", "1.0", "misc/baz", mportdb.Explicit)
	h.insert(t, "bar", "2.0", "devel/bar", mportdb.AutoInstalled)
	h.depend(t, "foo", "bar")
	h.depend(t, "baz", "bar")
	h.indexEntry("foo", "1.0")
	h.indexEntry("baz", "1.0")
	h.indexEntry("bar", "2.0")

	_, err := h.p.Upgrade(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.idx.checkCalls["bar"], "index check must be memoized")
	assert.Equal(t, 1, h.idx.movedCalls["misc/foo"], "moved lookup must be memoized")
}

func TestUpgradeMovedRename(t *testing.T) {
	h := newPlanHarness(t, true)
	ctx := context.Background()

	h.insert(t, "oldname", "1.0", "cat/oldname", mportdb.AutoInstalled)
	h.idx.moved["cat/oldname"] = &mportindex.MovedEntry{
		Port: "cat/oldname", MovedToPkgname: "newname",
	}
	h.indexEntry("newname", "2.0")

	sum, err := h.p.Upgrade(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Renamed)

	require.Len(t, h.ops.calls, 2)
	assert.Equal(t, "delete:oldname:force=true", h.ops.calls[0])
	assert.Contains(t, h.ops.calls[1], "install:")
	assert.Contains(t, h.ops.calls[1], "newname-2.0.mport")
	assert.Contains(t, h.ops.calls[1], "auto=1", "rename inherits the automatic flag")

	// both names live in the processed set: the version pass must not
	// touch either again
	assert.Len(t, h.ops.calls, 2)
}

func TestUpgradeMovedExpired(t *testing.T) {
	h := newPlanHarness(t, true)
	ctx := context.Background()

	h.insert(t, "deadpkg", "1.0", "cat/dead", mportdb.Explicit)
	h.idx.moved["cat/dead"] = &mportindex.MovedEntry{Port: "cat/dead", Date: "2025-01-01"}

	sum, err := h.p.Upgrade(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Expired)
	require.Len(t, h.ops.calls, 1)
	assert.Equal(t, "delete:deadpkg:force=false", h.ops.calls[0])
}

func TestUpgradeMovedDeclined(t *testing.T) {
	h := newPlanHarness(t, false) // user answers no
	ctx := context.Background()

	h.insert(t, "oldname", "1.0", "cat/oldname", mportdb.Explicit)
	h.idx.moved["cat/oldname"] = &mportindex.MovedEntry{
		Port: "cat/oldname", MovedToPkgname: "newname",
	}

	_, err := h.p.Upgrade(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.ops.calls, "rename proceeds only on affirmative confirmation")
}

func TestUpgradeRenameReconciliation(t *testing.T) {
	h := newPlanHarness(t, true)
	ctx := context.Background()

	// no moved entry, but the index knows another pkgname for the origin
	h.insert(t, "oldtool", "1.0", "misc/tool", mportdb.Explicit)
	h.idx.byOrigin["misc/tool"] = &mportindex.Entry{Pkgname: "newtool", Version: "2.0"}
	h.indexEntry("newtool", "2.0")

	sum, err := h.p.Upgrade(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Renamed)
	require.Len(t, h.ops.calls, 2)
	assert.Equal(t, "delete:oldtool:force=true", h.ops.calls[0])
	assert.Contains(t, h.ops.calls[1], "newtool-2.0.mport")
}

func TestUpgradeCycleIsDataError(t *testing.T) {
	h := newPlanHarness(t, true)
	ctx := context.Background()

	h.insert(t, "foo", "1.0", "misc/foo", mportdb.Explicit)
	h.insert(t, "bar", "1.0", "misc/bar", mportdb.Explicit)
	h.depend(t, "foo", "bar")
	h.depend(t, "bar", "foo")
	h.indexEntry("foo", "1.1")
	h.indexEntry("bar", "1.1")

	_, err := h.p.Upgrade(ctx)
	require.Error(t, err)
	assert.Equal(t, mporterr.DbCorruption, mporterr.CodeOf(err))
}

func TestUpgradeNothingInstalled(t *testing.T) {
	h := newPlanHarness(t, true)
	_, err := h.p.Upgrade(context.Background())
	require.Error(t, err)
	assert.Equal(t, mporterr.Warn, mporterr.CodeOf(err))
}

func TestAutoremove(t *testing.T) {
	h := newPlanHarness(t, true)
	ctx := context.Background()

	h.insert(t, "app", "1.0", "misc/app", mportdb.Explicit)
	h.insert(t, "lib", "1.0", "devel/lib", mportdb.AutoInstalled)
	h.insert(t, "orphan", "1.0", "devel/orphan", mportdb.AutoInstalled)
	h.depend(t, "app", "lib")

	removed, err := h.p.Autoremove(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.Len(t, h.ops.calls, 1)
	assert.Equal(t, "delete:orphan:force=true", h.ops.calls[0])
}

func TestListUpdates(t *testing.T) {
	h := newPlanHarness(t, true)
	ctx := context.Background()

	h.insert(t, "foo", "1.0", "misc/foo", mportdb.Explicit)
	h.insert(t, "bar", "2.0", "devel/bar", mportdb.Explicit)
	h.indexEntry("foo", "1.1")
	h.indexEntry("bar", "2.0")

	updates, err := h.p.ListUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "foo", updates[0].Pkg.Name)
	assert.Equal(t, "1.1", updates[0].Available)
}
