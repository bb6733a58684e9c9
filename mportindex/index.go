// Package mportindex fetches, verifies and queries the remote package
// index: the available-package table plus the sibling moved and mirrors
// tables that feed the upgrade planner.
package mportindex

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/mport/mport/mportcb"
	"github.com/mport/mport/mportconfig"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
	"github.com/mport/mport/mportversion"
)

// Entry is one available package, ordered by (pkgname, version) in every
// returned vector.
type Entry struct {
	Pkgname    string
	Version    string
	Comment    string
	Bundlefile string
	License    string
	Hash       string
	Type       int
}

// MovedEntry describes a renamed or expired port. Exactly one of Date or
// MovedToPkgname is populated.
type MovedEntry struct {
	Port           string
	MovedTo        string
	MovedToPkgname string
	Why            string
	Date           string
}

// MirrorEntry is one download mirror.
type MirrorEntry struct {
	Country string
	URL     string
}

// DependsEntry is one edge of the index dependency table.
type DependsEntry struct {
	Pkgname  string
	Version  string
	DPkgname string
	DVersion string
}

// CheckResult is the tri-state upgrade probe for one installed package.
type CheckResult int

const (
	NoUpdate CheckResult = iota
	UpdateAvailable
	OriginMatch
)

func (c CheckResult) String() string {
	switch c {
	case NoUpdate:
		return "no update"
	case UpdateAvailable:
		return "update available"
	case OriginMatch:
		return "origin match"
	}
	return "unknown"
}

// Index is the client over the locally cached copy of the remote index.
type Index struct {
	settings *mportconfig.Settings
	fetcher  mportcb.HttpFetcher
	log      *zap.Logger

	db *sql.DB
}

func New(settings *mportconfig.Settings, fetcher mportcb.HttpFetcher, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{settings: settings, fetcher: fetcher, log: logger}
}

// Load opens the locally cached index database.
func (i *Index) Load() error {
	path := i.settings.IndexDB()
	if _, err := os.Stat(path); err != nil {
		return mporterr.Wrapf(mporterr.IndexNotLoaded, mporterr.ErrIndexNotLoaded,
			"no index at %s, run 'mport index' first", path)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=query_only(1)")
	if err != nil {
		return mporterr.Wrap(mporterr.IndexNotLoaded, err, "open index")
	}
	db.SetMaxOpenConns(1)

	if i.db != nil {
		i.db.Close()
	}
	i.db = db
	return nil
}

// Loaded reports whether Load has succeeded.
func (i *Index) Loaded() bool { return i.db != nil }

func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	err := i.db.Close()
	i.db = nil
	return err
}

// MirrorRoot picks the mirror to fetch from: the configured override, or
// the first mirror recorded for the configured region, or the project
// default.
func (i *Index) MirrorRoot(ctx context.Context) string {
	if i.settings.MirrorURL != "" {
		return i.settings.MirrorURL
	}
	if i.db != nil && i.settings.MirrorRegion != "" {
		mirrors, err := i.MirrorList(ctx)
		if err == nil {
			for _, m := range mirrors {
				if strings.EqualFold(m.Country, i.settings.MirrorRegion) {
					return m.URL
				}
			}
		}
	}
	return "https://pkg.midnightbsd.org"
}

// Get downloads a fresh index from the mirror, verifies the published
// SHA-256, decompresses it and atomically replaces the cache, then
// reloads.
func (i *Index) Get(ctx context.Context) error {
	mirror := i.MirrorRoot(ctx)
	url := i.settings.IndexURL(mirror)

	i.log.Info("downloading index", zap.String("url", url))

	body, err := i.fetcher.Get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(i.settings.IndexDir(), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(i.settings.IndexDir(), "index.db.zst.*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), body); err != nil {
		tmp.Close()
		return mporterr.Wrap(mporterr.Fatal, err, "download index")
	}

	want, err := i.fetchHash(ctx, url+".sha256")
	if err != nil {
		tmp.Close()
		return err
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(got, want) {
		tmp.Close()
		return mporterr.Newf(mporterr.ChecksumMismatch,
			"index checksum mismatch: got %s, mirror says %s", got, want)
	}

	// decompress next to the cache, then swap
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return err
	}
	dec, err := zstd.NewReader(tmp)
	if err != nil {
		tmp.Close()
		return mporterr.Wrap(mporterr.Fatal, err, "decompress index")
	}

	out, err := os.CreateTemp(i.settings.IndexDir(), "index.db.*")
	if err != nil {
		dec.Close()
		tmp.Close()
		return err
	}
	_, err = io.Copy(out, dec.IOReadCloser())
	dec.Close()
	tmp.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return mporterr.Wrap(mporterr.Fatal, err, "decompress index")
	}

	if err := os.Rename(out.Name(), i.settings.IndexDB()); err != nil {
		os.Remove(out.Name())
		return err
	}

	i.log.Info("index updated", zap.String("path", i.settings.IndexDB()))
	return i.Load()
}

func (i *Index) fetchHash(ctx context.Context, url string) (string, error) {
	body, err := i.fetcher.Get(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 1024))
	if err != nil {
		return "", err
	}
	// allow "sha256 (file) = HASH" and bare-hash forms
	s := strings.TrimSpace(string(data))
	if idx := strings.LastIndexByte(s, ' '); idx != -1 {
		s = s[idx+1:]
	}
	if len(s) != 64 {
		return "", mporterr.Newf(mporterr.Fatal, "malformed index hash file at %s", url)
	}
	return s, nil
}

func (i *Index) ready() error {
	if i.db == nil {
		return mporterr.Wrap(mporterr.IndexNotLoaded, mporterr.ErrIndexNotLoaded, "index not loaded")
	}
	return nil
}

func (i *Index) queryEntries(ctx context.Context, where string, args ...any) ([]*Entry, error) {
	if err := i.ready(); err != nil {
		return nil, err
	}
	q := "SELECT pkg, version, comment, bundlefile, license, hash, type FROM packages"
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY pkg, version"

	rows, err := i.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mporterr.Wrap(mporterr.Fatal, err, "index query")
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Pkgname, &e.Version, &e.Comment, &e.Bundlefile, &e.License, &e.Hash, &e.Type); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// SQL orders versions as text; reorder them by the version algebra so
	// the newest version of each name comes last.
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Pkgname != out[b].Pkgname {
			return out[a].Pkgname < out[b].Pkgname
		}
		return mportversion.Cmp(out[a].Version, out[b].Version) < 0
	})
	return out, nil
}

// List returns every index entry.
func (i *Index) List(ctx context.Context) ([]*Entry, error) {
	return i.queryEntries(ctx, "")
}

// LookupByName returns the entries for an exact package name.
func (i *Index) LookupByName(ctx context.Context, name string) ([]*Entry, error) {
	return i.queryEntries(ctx, "pkg=?", name)
}

// SearchTerm returns entries whose name or comment contains term.
func (i *Index) SearchTerm(ctx context.Context, term string) ([]*Entry, error) {
	like := "%" + term + "%"
	return i.queryEntries(ctx, "pkg LIKE ? OR comment LIKE ?", like, like)
}

// DependsList returns the dependency edges recorded for (name, version).
func (i *Index) DependsList(ctx context.Context, name, version string) ([]*DependsEntry, error) {
	if err := i.ready(); err != nil {
		return nil, err
	}
	rows, err := i.db.QueryContext(ctx,
		"SELECT pkg, version, d_pkg, d_version FROM depends WHERE pkg=? AND version=? ORDER BY d_pkg",
		name, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DependsEntry
	for rows.Next() {
		var e DependsEntry
		if err := rows.Scan(&e.Pkgname, &e.Version, &e.DPkgname, &e.DVersion); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MirrorList returns the mirror table.
func (i *Index) MirrorList(ctx context.Context) ([]*MirrorEntry, error) {
	if err := i.ready(); err != nil {
		return nil, err
	}
	rows, err := i.db.QueryContext(ctx, "SELECT country, mirror FROM mirrors ORDER BY country")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MirrorEntry
	for rows.Next() {
		var m MirrorEntry
		if err := rows.Scan(&m.Country, &m.URL); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MovedLookup returns the moved entry for origin, nil when none exists.
func (i *Index) MovedLookup(ctx context.Context, origin string) (*MovedEntry, error) {
	if err := i.ready(); err != nil {
		return nil, err
	}
	var m MovedEntry
	err := i.db.QueryRowContext(ctx,
		"SELECT port, moved_to, moved_to_pkgname, why, date FROM moved WHERE port=?",
		origin).Scan(&m.Port, &m.MovedTo, &m.MovedToPkgname, &m.Why, &m.Date)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LookupByOrigin returns the first index entry sharing origin, excluding
// the given package name. Nil when no such entry exists.
func (i *Index) LookupByOrigin(ctx context.Context, origin, exclude string) (*Entry, error) {
	if err := i.ready(); err != nil {
		return nil, err
	}
	entries, err := i.queryEntries(ctx, "port=? AND pkg != ?", origin, exclude)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// Check probes the index for one installed package:
//
//   - NoUpdate: the index version is not newer than what is installed.
//   - UpdateAvailable: same name, strictly greater index version.
//   - OriginMatch: the name is gone from the index but another pkgname
//     shares the origin, implying a rename.
func (i *Index) Check(ctx context.Context, pkg *mportdb.PackageMeta) (CheckResult, error) {
	entries, err := i.LookupByName(ctx, pkg.Name)
	if err != nil {
		return NoUpdate, err
	}

	if len(entries) > 0 {
		// entries are version-ordered; the last is the newest
		newest := entries[len(entries)-1]
		if mportversion.Cmp(newest.Version, pkg.Version) > 0 {
			return UpdateAvailable, nil
		}
		return NoUpdate, nil
	}

	if pkg.Origin != "" {
		var other string
		err := i.db.QueryRowContext(ctx,
			"SELECT pkg FROM packages WHERE port=? AND pkg != ? ORDER BY pkg LIMIT 1",
			pkg.Origin, pkg.Name).Scan(&other)
		if err == nil && other != "" {
			return OriginMatch, nil
		}
		if err != nil && err != sql.ErrNoRows {
			return NoUpdate, err
		}
	}

	return NoUpdate, nil
}

// BundleURL composes the download location of an index entry's bundle.
func (i *Index) BundleURL(ctx context.Context, e *Entry) string {
	return fmt.Sprintf("%s/%s/%s/%s", i.MirrorRoot(ctx), i.settings.TargetOS, i.settings.Arch, e.Bundlefile)
}

// VerifyBundleFile checks a downloaded bundle against the index-recorded
// hash.
func VerifyBundleFile(path, hash string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, hash) {
		return mporterr.Newf(mporterr.ChecksumMismatch,
			"%s checksum mismatch: got %s, index says %s", filepath.Base(path), got, hash)
	}
	return nil
}
