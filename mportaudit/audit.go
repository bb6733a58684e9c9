// Package mportaudit checks installed packages against reality: filesystem
// checksum verification and CVE lookups against the security feed.
package mportaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mport/mport/mportcb"
	"github.com/mport/mport/mportconfig"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
	"github.com/mport/mport/mportinstall"
)

// Mismatch is one file whose on-disk checksum no longer matches the
// recorded value.
type Mismatch struct {
	Pkg  string
	Path string
	Want string
	Got  string
}

func (m *Mismatch) String() string {
	return fmt.Sprintf("%s: checksum mismatch: %s", m.Pkg, m.Path)
}

// Verifier recomputes asset checksums.
type Verifier struct {
	db       *mportdb.DB
	settings *mportconfig.Settings
	cb       *mportcb.Callbacks
	log      *zap.Logger
}

func NewVerifier(db *mportdb.DB, settings *mportconfig.Settings, cb *mportcb.Callbacks, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cb == nil {
		cb = &mportcb.Callbacks{}
	}
	return &Verifier{db: db, settings: settings, cb: cb.Fill(), log: logger}
}

func (v *Verifier) assetPath(pkg *mportdb.PackageMeta, data string) string {
	if strings.HasPrefix(data, "/") {
		return filepath.Join(v.settings.Root, data)
	}
	return filepath.Join(v.settings.Root, pkg.Prefix, data)
}

// Verify recomputes the SHA-256 of every recorded file asset of the given
// packages (all installed packages when none are named). Mismatches are
// reported, not repaired.
func (v *Verifier) Verify(ctx context.Context, names ...string) ([]*Mismatch, error) {
	pkgs, err := v.resolve(ctx, names)
	if err != nil {
		return nil, err
	}

	var mismatches []*Mismatch
	for _, pkg := range pkgs {
		if err := ctx.Err(); err != nil {
			return mismatches, err
		}

		assets, err := v.db.AssetList(ctx, pkg.Name)
		if err != nil {
			return mismatches, err
		}

		for _, e := range assets {
			if !e.Type.Materialized() || e.Checksum == "" {
				continue
			}
			path := v.assetPath(pkg, e.Data)
			got, err := mportinstall.HashFile(path)
			if err != nil {
				mismatches = append(mismatches, &Mismatch{
					Pkg: pkg.Name, Path: path, Want: e.Checksum, Got: "",
				})
				continue
			}
			if got != e.Checksum {
				mismatches = append(mismatches, &Mismatch{
					Pkg: pkg.Name, Path: path, Want: e.Checksum, Got: got,
				})
			}
		}
	}

	for _, m := range mismatches {
		v.cb.Msg.Emit(m.String())
	}
	return mismatches, nil
}

// RecomputeChecksums rewrites the stored checksums of pkg's file assets
// to their current on-disk values. Operator override; use with care.
func (v *Verifier) RecomputeChecksums(ctx context.Context, name string) error {
	pkg, err := v.db.Get(ctx, name)
	if err != nil {
		return err
	}
	if pkg == nil {
		return mporterr.Newf(mporterr.Warn, "no such package: %s", name)
	}

	assets, err := v.db.AssetList(ctx, pkg.Name)
	if err != nil {
		return err
	}

	for _, e := range assets {
		if !e.Type.Materialized() {
			continue
		}
		path := v.assetPath(pkg, e.Data)
		hash, err := mportinstall.HashFile(path)
		if err != nil {
			v.cb.Emitf("Can't hash %s: %v", path, err)
			continue
		}
		if hash == e.Checksum {
			continue
		}
		if err := v.db.UpdateAssetChecksum(ctx, pkg.Name, e.Data, hash); err != nil {
			return err
		}
	}

	v.db.LogEvent(ctx, pkg.Name, pkg.Version, "Checksums recomputed")
	return nil
}

func (v *Verifier) resolve(ctx context.Context, names []string) ([]*mportdb.PackageMeta, error) {
	if len(names) == 0 {
		pkgs, err := v.db.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(pkgs) == 0 {
			return nil, mporterr.New(mporterr.Warn, "no packages installed")
		}
		return pkgs, nil
	}

	var out []*mportdb.PackageMeta
	for _, name := range names {
		pkg, err := v.db.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if pkg == nil {
			return nil, mporterr.Newf(mporterr.Warn, "no such package: %s", name)
		}
		out = append(out, pkg)
	}
	return out, nil
}

// CVE is one entry of the security feed's JSON document.
type CVE struct {
	CVEID       string `json:"cveId"`
	Description string `json:"description"`
}

// Finding ties the vulnerable package to its CVEs and, optionally, the
// reverse-dependency chains that reach it.
type Finding struct {
	Pkg    *mportdb.PackageMeta
	CVEs   []CVE
	Chains [][]string
}

// Auditor queries the CVE feed keyed by CPE.
type Auditor struct {
	db       *mportdb.DB
	settings *mportconfig.Settings
	cb       *mportcb.Callbacks
	log      *zap.Logger
}

func NewAuditor(db *mportdb.DB, settings *mportconfig.Settings, cb *mportcb.Callbacks, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cb == nil {
		cb = &mportcb.Callbacks{}
	}
	return &Auditor{db: db, settings: settings, cb: cb.Fill(), log: logger}
}

// Audit fetches CVEs for the named package, or for every installed
// package with a CPE when name is empty. With dependsOn, each finding
// also lists the reverse-dependency chains that transitively include the
// vulnerable package.
func (a *Auditor) Audit(ctx context.Context, name string, dependsOn bool) ([]*Finding, error) {
	var (
		pkgs []*mportdb.PackageMeta
		err  error
	)
	if name == "" {
		pkgs, err = a.db.List(ctx)
	} else {
		var pkg *mportdb.PackageMeta
		pkg, err = a.db.Get(ctx, name)
		if pkg != nil {
			pkgs = []*mportdb.PackageMeta{pkg}
		} else if err == nil {
			return nil, mporterr.Newf(mporterr.Warn, "no such package: %s", name)
		}
	}
	if err != nil {
		return nil, err
	}

	var findings []*Finding
	for _, pkg := range pkgs {
		if pkg.CPE == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		cves, err := a.fetchCVEs(ctx, pkg.CPE)
		if err != nil {
			a.log.Warn("cve fetch failed", zap.String("pkg", pkg.Name), zap.Error(err))
			continue
		}
		if len(cves) == 0 {
			continue
		}

		f := &Finding{Pkg: pkg, CVEs: cves}
		if dependsOn {
			chains, err := a.dependencyChains(ctx, pkg.Name)
			if err != nil {
				return findings, err
			}
			f.Chains = chains
		}
		findings = append(findings, f)
	}

	a.report(findings)
	return findings, nil
}

func (a *Auditor) fetchCVEs(ctx context.Context, cpe string) ([]CVE, error) {
	endpoint := a.settings.AuditEndpoint + "/" + url.PathEscape(cpe)
	body, err := a.cb.Fetcher.Get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 8<<20))
	if err != nil {
		return nil, err
	}

	var cves []CVE
	if err := json.Unmarshal(data, &cves); err != nil {
		return nil, mporterr.Wrap(mporterr.Fatal, err, "parse CVE feed")
	}
	return cves, nil
}

// dependencyChains walks up-depends from name and returns every path to a
// root (a package nothing else requires).
func (a *Auditor) dependencyChains(ctx context.Context, name string) ([][]string, error) {
	var chains [][]string
	seen := map[string]bool{}

	var walk func(name string, chain []string) error
	walk = func(name string, chain []string) error {
		if seen[name] {
			return nil // break cycles defensively; reported chains stay finite
		}
		seen[name] = true
		defer delete(seen, name)

		up, err := a.db.UpDepends(ctx, name)
		if err != nil {
			return err
		}
		if len(up) == 0 {
			if len(chain) > 1 {
				out := make([]string, len(chain))
				copy(out, chain)
				chains = append(chains, out)
			}
			return nil
		}
		for _, dep := range up {
			if err := walk(dep.Name, append(chain, dep.Name)); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(name, []string{name}); err != nil {
		return nil, err
	}
	return chains, nil
}

func (a *Auditor) report(findings []*Finding) {
	for _, f := range findings {
		a.cb.Emitf("%s-%s is vulnerable:", f.Pkg.Name, f.Pkg.Version)
		for _, c := range f.CVEs {
			a.cb.Msg.Emit(c.CVEID)
			if c.Description != "" {
				a.cb.Emitf("Description: %s", c.Description)
			}
		}
		for _, chain := range f.Chains {
			a.cb.Emitf("required by: %s", strings.Join(chain, " <- "))
		}
	}
}
