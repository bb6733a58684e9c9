// Package mportplan decides what an upgrade run does: the moved/expired
// pass, the rename-reconciliation pass and the depth-first version pass,
// plus autoremove. Index probes and moved lookups are memoized per run.
package mportplan

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mport/mport/mportcb"
	"github.com/mport/mport/mportconfig"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
	"github.com/mport/mport/mportindex"
	"github.com/mport/mport/mportversion"
)

// IndexClient is the slice of the index the planner consumes.
type IndexClient interface {
	Check(ctx context.Context, pkg *mportdb.PackageMeta) (mportindex.CheckResult, error)
	MovedLookup(ctx context.Context, origin string) (*mportindex.MovedEntry, error)
	LookupByName(ctx context.Context, name string) ([]*mportindex.Entry, error)
	LookupByOrigin(ctx context.Context, origin, exclude string) (*mportindex.Entry, error)
	DependsList(ctx context.Context, name, version string) ([]*mportindex.DependsEntry, error)
	BundleURL(ctx context.Context, e *mportindex.Entry) string
}

// PkgOps is the slice of the installer the planner drives.
type PkgOps interface {
	InstallFile(ctx context.Context, path string, automatic mportdb.Automatic, prefix string) error
	UpdateFile(ctx context.Context, path string) error
	Delete(ctx context.Context, pkg *mportdb.PackageMeta, force bool) error
}

// Planner runs upgrade and autoremove decisions.
type Planner struct {
	db       *mportdb.DB
	idx      IndexClient
	ops      PkgOps
	cb       *mportcb.Callbacks
	settings *mportconfig.Settings
	log      *zap.Logger
}

func New(db *mportdb.DB, idx IndexClient, ops PkgOps, settings *mportconfig.Settings, cb *mportcb.Callbacks, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cb == nil {
		cb = &mportcb.Callbacks{}
	}
	return &Planner{db: db, idx: idx, ops: ops, cb: cb.Fill(), settings: settings, log: logger}
}

// Summary reports what one upgrade run did.
type Summary struct {
	Total   int
	Updated int
	Renamed int
	Expired int
}

// runState carries the per-run memoization: the processed set plus the
// index-check and moved-lookup caches.
type runState struct {
	processed  map[string]bool
	checkCache map[string]mportindex.CheckResult
	movedCache map[string]movedResult
	visiting   map[string]bool
}

type movedResult struct {
	entry *mportindex.MovedEntry
	ok    bool
}

func newRunState() *runState {
	return &runState{
		processed:  make(map[string]bool),
		checkCache: make(map[string]mportindex.CheckResult),
		movedCache: make(map[string]movedResult),
		visiting:   make(map[string]bool),
	}
}

func (p *Planner) check(ctx context.Context, st *runState, pkg *mportdb.PackageMeta) (mportindex.CheckResult, error) {
	if r, ok := st.checkCache[pkg.Name]; ok {
		return r, nil
	}
	r, err := p.idx.Check(ctx, pkg)
	if err != nil {
		return r, err
	}
	st.checkCache[pkg.Name] = r
	return r, nil
}

func (p *Planner) movedLookup(ctx context.Context, st *runState, origin string) (*mportindex.MovedEntry, error) {
	if r, ok := st.movedCache[origin]; ok && r.ok {
		return r.entry, nil
	}
	m, err := p.idx.MovedLookup(ctx, origin)
	if err != nil {
		return nil, err
	}
	st.movedCache[origin] = movedResult{entry: m, ok: true}
	return m, nil
}

// Upgrade runs the three planner passes over the full installed list.
func (p *Planner) Upgrade(ctx context.Context) (*Summary, error) {
	packs, err := p.db.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(packs) == 0 {
		return nil, mporterr.New(mporterr.Warn, "no packages installed")
	}

	st := newRunState()
	sum := &Summary{Total: len(packs)}

	if err := p.movedPass(ctx, st, packs, sum); err != nil {
		return sum, err
	}
	if err := p.renamePass(ctx, st, packs, sum); err != nil {
		return sum, err
	}

	for _, pkg := range packs {
		if st.processed[pkg.Name] {
			continue
		}
		n, err := p.updateDown(ctx, st, pkg)
		sum.Updated += n
		if err != nil {
			return sum, err
		}
	}

	p.cb.Emitf("Packages updated: %d", sum.Updated)
	p.cb.Emitf("Total: %d", sum.Total)
	return sum, nil
}

// movedPass handles expirations and recorded renames before any version
// comparison happens.
func (p *Planner) movedPass(ctx context.Context, st *runState, packs []*mportdb.PackageMeta, sum *Summary) error {
	for _, pkg := range packs {
		if pkg.Origin == "" || st.processed[pkg.Name] {
			continue
		}
		m, err := p.movedLookup(ctx, st, pkg.Origin)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}

		if m.Date != "" {
			if p.cb.Confirm.Ask(
				pkg.Name+" expired on "+m.Date+"; delete it?", "yes", "no", false) {
				if err := p.ops.Delete(ctx, pkg, false); err != nil {
					p.cb.Emitf("Could not delete %s: %v", pkg.Name, err)
				} else {
					sum.Expired++
				}
			}
			st.processed[pkg.Name] = true
			continue
		}

		if m.MovedToPkgname != "" && m.MovedToPkgname != pkg.Name {
			if p.cb.Confirm.Ask(
				pkg.Name+" was renamed to "+m.MovedToPkgname+"; replace it?", "yes", "no", true) {
				if err := p.rename(ctx, pkg, m.MovedToPkgname); err != nil {
					p.cb.Emitf("Could not replace %s with %s: %v", pkg.Name, m.MovedToPkgname, err)
				} else {
					sum.Renamed++
				}
			}
			st.processed[pkg.Name] = true
			// look the new name up fresh before recording it; never
			// reuse the slot of the old name
			st.processed[m.MovedToPkgname] = true
		}
	}
	return nil
}

// renamePass catches renames the moved table missed: packages whose name
// left the index while another pkgname kept the origin. It proceeds only
// on affirmative confirmation.
func (p *Planner) renamePass(ctx context.Context, st *runState, packs []*mportdb.PackageMeta, sum *Summary) error {
	for _, pkg := range packs {
		if st.processed[pkg.Name] {
			continue
		}
		r, err := p.check(ctx, st, pkg)
		if err != nil {
			return err
		}
		if r != mportindex.OriginMatch {
			continue
		}

		entry, err := p.idx.LookupByOrigin(ctx, pkg.Origin, pkg.Name)
		if err != nil {
			return err
		}
		if entry == nil {
			continue
		}

		if p.cb.Confirm.Ask(
			pkg.Name+" is now called "+entry.Pkgname+"; replace it?", "yes", "no", true) {
			if err := p.rename(ctx, pkg, entry.Pkgname); err != nil {
				p.cb.Emitf("Could not replace %s with %s: %v", pkg.Name, entry.Pkgname, err)
			} else {
				sum.Renamed++
			}
		}
		st.processed[pkg.Name] = true
		st.processed[entry.Pkgname] = true
	}
	return nil
}

// rename deletes the old package and installs its successor, inheriting
// the automatic flag.
func (p *Planner) rename(ctx context.Context, old *mportdb.PackageMeta, newName string) error {
	automatic := old.Automatic
	if err := p.ops.Delete(ctx, old, true); err != nil {
		return err
	}
	return p.installByName(ctx, newName, automatic)
}

// updateDown upgrades pkg depth-first: every down-depend first, then the
// package itself. A dependency cycle is a data error.
func (p *Planner) updateDown(ctx context.Context, st *runState, pkg *mportdb.PackageMeta) (int, error) {
	if st.processed[pkg.Name] {
		return 0, nil
	}
	if st.visiting[pkg.Name] {
		return 0, mporterr.Newf(mporterr.DbCorruption, "dependency cycle through %s", pkg.Name)
	}
	st.visiting[pkg.Name] = true
	defer delete(st.visiting, pkg.Name)

	updated := 0

	depends, err := p.db.DownDepends(ctx, pkg.Name)
	if err != nil {
		return 0, err
	}
	for _, dep := range depends {
		n, err := p.updateDown(ctx, st, dep)
		updated += n
		if err != nil {
			return updated, err
		}
	}

	st.processed[pkg.Name] = true

	r, err := p.check(ctx, st, pkg)
	if err != nil {
		return updated, err
	}
	if r != mportindex.UpdateAvailable {
		return updated, nil
	}

	p.cb.Emitf("Updating %s", pkg.Name)
	if err := p.UpdatePackage(ctx, pkg.Name); err != nil {
		p.cb.Emitf("Error updating %s: %v", pkg.Name, err)
		return updated, nil
	}
	return updated + 1, nil
}

// UpdatePackage downloads the newest bundle for name and applies it with
// the update primitive.
func (p *Planner) UpdatePackage(ctx context.Context, name string) error {
	path, err := p.Download(ctx, name)
	if err != nil {
		return err
	}
	return p.ops.UpdateFile(ctx, path)
}

// installByName downloads and installs a package that is not currently
// installed, pulling missing dependencies first.
func (p *Planner) installByName(ctx context.Context, name string, automatic mportdb.Automatic) error {
	entries, err := p.idx.LookupByName(ctx, name)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return mporterr.Newf(mporterr.Fatal, "%s is not in the index", name)
	}
	newest := entries[len(entries)-1]

	if err := p.ensureDepends(ctx, newest.Pkgname, newest.Version); err != nil {
		return err
	}

	path, err := p.Download(ctx, name)
	if err != nil {
		return err
	}
	return p.ops.InstallFile(ctx, path, automatic, "")
}

// ensureDepends installs any declared dependency not already present at a
// satisfying version.
func (p *Planner) ensureDepends(ctx context.Context, name, version string) error {
	deps, err := p.idx.DependsList(ctx, name, version)
	if err != nil {
		return err
	}
	for _, d := range deps {
		installed, err := p.db.Get(ctx, d.DPkgname)
		if err != nil {
			return err
		}
		if installed != nil {
			if d.DVersion == "" {
				continue
			}
			ok, err := mportversion.RequireCheck(installed.Version, d.DVersion)
			if err == nil && ok {
				continue
			}
		}
		if err := p.installByName(ctx, d.DPkgname, mportdb.AutoInstalled); err != nil {
			return err
		}
	}
	return nil
}

// Download fetches the newest bundle for name into the downloads
// directory and verifies it against the index-recorded hash.
func (p *Planner) Download(ctx context.Context, name string) (string, error) {
	entries, err := p.idx.LookupByName(ctx, name)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", mporterr.Newf(mporterr.Fatal, "%s is not in the index", name)
	}
	e := entries[len(entries)-1]

	if err := os.MkdirAll(p.settings.DownloadsDir(), 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(p.settings.DownloadsDir(), filepath.Base(e.Bundlefile))

	// a cached bundle that still matches the index hash is reused
	if _, err := os.Stat(dest); err == nil {
		if mportindex.VerifyBundleFile(dest, e.Hash) == nil {
			return dest, nil
		}
		os.Remove(dest)
	}

	url := p.idx.BundleURL(ctx, e)
	p.log.Info("downloading bundle", zap.String("url", url))

	body, err := p.cb.Fetcher.Get(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(p.settings.DownloadsDir(), ".fetch.*")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", mporterr.Wrapf(mporterr.Fatal, err, "download %s", url)
	}

	if err := mportindex.VerifyBundleFile(tmp.Name(), e.Hash); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dest, nil
}

// Autoremove deletes automatically installed packages no explicit package
// still reaches through the dependency graph.
func (p *Planner) Autoremove(ctx context.Context) (int, error) {
	packs, err := p.db.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(packs) == 0 {
		return 0, nil
	}

	// mark everything an explicit package transitively depends on
	kept := make(map[string]bool)
	var walk func(name string) error
	walk = func(name string) error {
		if kept[name] {
			return nil
		}
		kept[name] = true
		depends, err := p.db.DownDepends(ctx, name)
		if err != nil {
			return err
		}
		for _, d := range depends {
			if err := walk(d.Name); err != nil {
				return err
			}
		}
		return nil
	}
	for _, pkg := range packs {
		if pkg.Automatic == mportdb.Explicit {
			if err := walk(pkg.Name); err != nil {
				return 0, err
			}
		}
	}

	removed := 0
	for _, pkg := range packs {
		if pkg.Automatic != mportdb.AutoInstalled || kept[pkg.Name] {
			continue
		}
		if err := p.ops.Delete(ctx, pkg, true); err != nil {
			p.cb.Emitf("Could not autoremove %s: %v", pkg.Name, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Update is one installed package with the newer version the index has
// for it.
type Update struct {
	Pkg       *mportdb.PackageMeta
	Available string
}

// ListUpdates returns the installed packages the index has newer versions
// for, with the available version attached.
func (p *Planner) ListUpdates(ctx context.Context) ([]*Update, error) {
	packs, err := p.db.List(ctx)
	if err != nil {
		return nil, err
	}

	st := newRunState()
	var out []*Update
	for _, pkg := range packs {
		r, err := p.check(ctx, st, pkg)
		if err != nil {
			return nil, err
		}
		if r != mportindex.UpdateAvailable {
			continue
		}
		entries, err := p.idx.LookupByName(ctx, pkg.Name)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			out = append(out, &Update{Pkg: pkg, Available: entries[len(entries)-1].Version})
		}
	}
	return out, nil
}
