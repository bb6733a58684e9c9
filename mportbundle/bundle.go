// Package mportbundle reads package bundles: a zstd- or xz-compressed tar
// whose entries are the stub database, the hook metafiles, then every
// materializable file in plist order. The installer consumes the payload
// stream in lockstep with the stub's asset list.
package mportbundle

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/mport/mport/mporterr"
)

// Metafile names inside the bundle. The stub database is attached, not
// copied; phase 1 copies the lua hooks and phase 3 the remaining files.
const (
	ContentsDB    = "+CONTENTS.db"
	MtreeFile     = "+MTREE"
	InstallFile   = "+INSTALL"
	DeinstallFile = "+DEINSTALL"
	MessageFile   = "+MESSAGE"

	LuaPreInstall    = "pkg-pre-install.lua"
	LuaPostInstall   = "pkg-post-install.lua"
	LuaPreDeinstall  = "pkg-pre-deinstall.lua"
	LuaPostDeinstall = "pkg-post-deinstall.lua"
)

var metafiles = map[string]bool{
	MtreeFile:        true,
	InstallFile:      true,
	DeinstallFile:    true,
	MessageFile:      true,
	LuaPreInstall:    true,
	LuaPostInstall:   true,
	LuaPreDeinstall:  true,
	LuaPostDeinstall: true,
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// StubDetacher is the slice of the metadata store the reader needs to
// attach and release the stub database.
type StubDetacher interface {
	AttachStub(path string) error
	DetachStub() error
}

// Reader streams one bundle. Operations must be called in phase order:
// Open, AttachStub, PrepForInstall, then Next/ExtractCurrent pairs,
// then Finish.
type Reader struct {
	path   string
	f      *os.File
	zdec   *zstd.Decoder // nil for xz bundles
	tr     *tar.Reader
	tmpdir string

	cur      *tar.Header
	pending  bool
	attached bool
}

// Open opens the bundle and detects the compression from magic bytes.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	magic := make([]byte, 6)
	if _, err := io.ReadFull(f, magic); err != nil {
		f.Close()
		return nil, mporterr.Wrapf(mporterr.Fatal, err, "read bundle magic %s", path)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{path: path, f: f}

	switch {
	case bytes.HasPrefix(magic, zstdMagic):
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.zdec = dec
		r.tr = tar.NewReader(dec)
	case bytes.HasPrefix(magic, xzMagic):
		xr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.tr = tar.NewReader(xr)
	default:
		f.Close()
		return nil, mporterr.Newf(mporterr.Fatal, "%s is not a package bundle", path)
	}

	tmpdir, err := os.MkdirTemp("", "mport-bundle")
	if err != nil {
		r.close()
		return nil, err
	}
	r.tmpdir = tmpdir

	return r, nil
}

// TmpDir is the scoped temporary directory holding the stub database and
// extracted metafiles. Released by Finish on every exit path.
func (r *Reader) TmpDir() string { return r.tmpdir }

// MetafilePath returns the extracted location of a named metafile.
func (r *Reader) MetafilePath(name string) string {
	return filepath.Join(r.tmpdir, name)
}

// AttachStub extracts the stub database (which must be the first archive
// entry) and attaches it to the metadata store as "stub".
func (r *Reader) AttachStub(db StubDetacher) error {
	hdr, err := r.tr.Next()
	if err != nil {
		return mporterr.Wrapf(mporterr.Fatal, err, "read bundle %s", r.path)
	}
	if filepath.Base(hdr.Name) != ContentsDB {
		return mporterr.Newf(mporterr.Fatal, "bundle %s does not start with %s", r.path, ContentsDB)
	}

	stub := filepath.Join(r.tmpdir, ContentsDB)
	if err := r.writeCurrent(stub, 0o644); err != nil {
		return err
	}

	if err := db.AttachStub(stub); err != nil {
		return err
	}
	r.attached = true
	return nil
}

// PrepForInstall extracts the metadata entries into the temporary
// directory. It stops at the first payload entry, which stays pending for
// the phase-2 Next call.
func (r *Reader) PrepForInstall() error {
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			return nil // metadata-only bundle
		}
		if err != nil {
			return mporterr.Wrapf(mporterr.Fatal, err, "read bundle %s", r.path)
		}

		name := filepath.Base(hdr.Name)
		if !metafiles[name] {
			r.cur = hdr
			r.pending = true
			return nil
		}

		if err := r.writeCurrent(filepath.Join(r.tmpdir, name), 0o644); err != nil {
			return err
		}
	}
}

// Next yields the next payload entry header. The installer calls it once
// per materializable asset; running out of entries while assets remain is
// the out-of-sync condition, returned here as BundleOutOfSync.
func (r *Reader) Next() (*tar.Header, error) {
	if r.pending {
		r.pending = false
		return r.cur, nil
	}
	hdr, err := r.tr.Next()
	if err == io.EOF {
		return nil, mporterr.Wrapf(mporterr.BundleOutOfSync, mporterr.ErrBundleOutOfSync,
			"bundle %s ran out of entries", r.path)
	}
	if err != nil {
		return nil, mporterr.Wrapf(mporterr.Fatal, err, "read bundle %s", r.path)
	}
	r.cur = hdr
	return hdr, nil
}

// ExtractCurrent writes the current entry's payload to target, preserving
// the archive mode. Parent directories are created. Returns the byte
// count for flatsize accounting.
func (r *Reader) ExtractCurrent(target string) (int64, error) {
	if r.cur == nil {
		return 0, mporterr.New(mporterr.Fatal, "no current bundle entry")
	}
	mode := os.FileMode(r.cur.Mode & 0o7777)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	return r.writeCurrentN(target, mode)
}

func (r *Reader) writeCurrent(target string, mode os.FileMode) error {
	_, err := r.writeCurrentN(target, mode)
	return err
}

func (r *Reader) writeCurrentN(target string, mode os.FileMode) (int64, error) {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r.tr)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return 0, mporterr.Wrapf(mporterr.Fatal, err, "extract %s", target)
	}
	return n, nil
}

// Finish detaches the stub database and releases the temporary files.
// Safe to call more than once and on error paths.
func (r *Reader) Finish(db StubDetacher) error {
	var first error

	if r.attached && db != nil {
		if err := db.DetachStub(); err != nil {
			first = err
		}
		r.attached = false
	}
	if r.tmpdir != "" {
		if err := os.RemoveAll(r.tmpdir); err != nil && first == nil {
			first = err
		}
		r.tmpdir = ""
	}
	r.close()
	return first
}

func (r *Reader) close() {
	if r.zdec != nil {
		r.zdec.Close()
		r.zdec = nil
	}
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}

// HasMetafile reports whether the named metafile was present in the
// bundle (after PrepForInstall).
func (r *Reader) HasMetafile(name string) bool {
	if r.tmpdir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(r.tmpdir, name))
	return !errors.Is(err, os.ErrNotExist) && err == nil
}
