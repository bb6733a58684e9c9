// Package bundletest builds small package bundles for tests: a stub
// database plus payload files packed into a zstd tar, the same shape the
// production packaging tool emits.
package bundletest

import (
	"archive/tar"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/mport/mport/mportasset"
)

// Pkg describes one package row of the stub database.
type Pkg struct {
	Name       string
	Version    string
	Origin     string
	Prefix     string
	Comment    string
	OSRelease  string
	CPE        string
	Deprecated string
	Flavor     string
	Type       int
	Flatsize   int64
}

// Asset is one stub asset row, in plist order.
type Asset struct {
	Type     mportasset.Type
	Data     string
	Checksum string
	Owner    string
	Group    string
	Mode     string
}

// Depend is one dependency edge.
type Depend struct {
	Pkgname string
	Version string
	Port    string
}

// Conflict is one conflict declaration.
type Conflict struct {
	Pkg     string
	Version string
}

// Spec is everything needed to build a bundle for one package.
type Spec struct {
	Pkg        Pkg
	Assets     []Asset
	Depends    []Depend
	Conflicts  []Conflict
	Categories []string

	// Payload maps asset data -> file content for materializable assets,
	// written to the archive in plist order.
	Payload map[string][]byte

	// Metafiles are extra archive entries (+MESSAGE, +INSTALL, ...).
	Metafiles map[string][]byte

	// OmitPayload drops the archive entries for these asset paths,
	// producing a bundle whose payload stream disagrees with its plist.
	OmitPayload []string
}

var stubSchema = []string{
	`CREATE TABLE packages (pkg TEXT NOT NULL, version TEXT NOT NULL, origin TEXT DEFAULT '',
		prefix TEXT DEFAULT '/usr/local', lang TEXT DEFAULT '', options TEXT DEFAULT '',
		comment TEXT DEFAULT '', "desc" TEXT DEFAULT '', os_release TEXT DEFAULT '',
		cpe TEXT DEFAULT '', deprecated TEXT DEFAULT '', expiration_date INT DEFAULT 0,
		no_provide_shlib INT DEFAULT 0, flavor TEXT DEFAULT '', type INT DEFAULT 0,
		flatsize INT DEFAULT 0, UNIQUE (pkg, version))`,
	`CREATE TABLE assets (pkg TEXT NOT NULL, type INT NOT NULL, data TEXT,
		checksum TEXT, owner TEXT, grp TEXT, mode TEXT)`,
	`CREATE TABLE depends (pkg TEXT NOT NULL, depend_pkgname TEXT NOT NULL,
		depend_pkgversion TEXT, depend_port TEXT)`,
	`CREATE TABLE categories (pkg TEXT NOT NULL, category TEXT NOT NULL)`,
	`CREATE TABLE conflicts (pkg TEXT NOT NULL, conflict_pkg TEXT NOT NULL,
		conflict_version TEXT DEFAULT '*')`,
}

// Checksum returns the hex sha256 the stub records for file content.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func buildStubDB(dir string, spec *Spec) (string, error) {
	path := filepath.Join(dir, "stub.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return "", err
	}
	defer db.Close()

	for _, stmt := range stubSchema {
		if _, err := db.Exec(stmt); err != nil {
			return "", err
		}
	}

	p := spec.Pkg
	_, err = db.Exec(
		`INSERT INTO packages (pkg, version, origin, prefix, comment, os_release, cpe, deprecated, flavor, type, flatsize)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.Name, p.Version, p.Origin, p.Prefix, p.Comment, p.OSRelease, p.CPE, p.Deprecated, p.Flavor, p.Type, p.Flatsize)
	if err != nil {
		return "", err
	}

	for _, a := range spec.Assets {
		checksum := a.Checksum
		if checksum == "" && a.Type.Materialized() {
			if content, ok := spec.Payload[a.Data]; ok {
				checksum = Checksum(content)
			}
		}
		_, err = db.Exec(
			"INSERT INTO assets (pkg, type, data, checksum, owner, grp, mode) VALUES (?,?,?,?,?,?,?)",
			p.Name, int(a.Type), a.Data, checksum, a.Owner, a.Group, a.Mode)
		if err != nil {
			return "", err
		}
	}

	for _, dep := range spec.Depends {
		_, err = db.Exec(
			"INSERT INTO depends (pkg, depend_pkgname, depend_pkgversion, depend_port) VALUES (?,?,?,?)",
			p.Name, dep.Pkgname, dep.Version, dep.Port)
		if err != nil {
			return "", err
		}
	}

	for _, c := range spec.Conflicts {
		_, err = db.Exec(
			"INSERT INTO conflicts (pkg, conflict_pkg, conflict_version) VALUES (?,?,?)",
			p.Name, c.Pkg, c.Version)
		if err != nil {
			return "", err
		}
	}

	for _, cat := range spec.Categories {
		if _, err = db.Exec("INSERT INTO categories (pkg, category) VALUES (?,?)", p.Name, cat); err != nil {
			return "", err
		}
	}

	return path, nil
}

// Build writes a complete bundle for spec at path.
func Build(path string, spec *Spec) error {
	dir, err := os.MkdirTemp("", "bundletest")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	stub, err := buildStubDB(dir, spec)
	if err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	writeEntry := func(name string, data []byte, mode int64) error {
		hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: mode, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	stubData, err := os.ReadFile(stub)
	if err != nil {
		return err
	}
	if err := writeEntry("+CONTENTS.db", stubData, 0o644); err != nil {
		return err
	}

	for name, data := range spec.Metafiles {
		if err := writeEntry(name, data, 0o644); err != nil {
			return err
		}
	}

	// payload entries in plist order
	omitted := make(map[string]bool, len(spec.OmitPayload))
	for _, name := range spec.OmitPayload {
		omitted[name] = true
	}
	for _, a := range spec.Assets {
		if !a.Type.Materialized() || omitted[a.Data] {
			continue
		}
		content := spec.Payload[a.Data]
		if err := writeEntry(a.Data, content, 0o644); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return nil
}
