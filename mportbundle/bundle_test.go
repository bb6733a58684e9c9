package mportbundle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mport/mport/mportasset"
	"github.com/mport/mport/mportbundle/bundletest"
	"github.com/mport/mport/mporterr"
)

type fakeStub struct {
	attached string
	detached bool
}

func (f *fakeStub) AttachStub(path string) error { f.attached = path; return nil }
func (f *fakeStub) DetachStub() error            { f.detached = true; return nil }

func buildBundle(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foo-1.0.mport")
	spec := &bundletest.Spec{
		Pkg: bundletest.Pkg{Name: "foo", Version: "1.0", Prefix: "/usr/local", OSRelease: "3.2"},
		Assets: []bundletest.Asset{
			{Type: mportasset.Cwd, Data: "/usr/local"},
			{Type: mportasset.File, Data: "bin/foo"},
			{Type: mportasset.File, Data: "share/foo/data.txt"},
		},
		Payload: map[string][]byte{
			"bin/foo":            []byte("#!/bin/sh\necho foo\n"),
			"share/foo/data.txt": []byte("data\n"),
		},
		Metafiles: map[string][]byte{
			MessageFile: []byte("thanks for installing foo\n"),
		},
	}
	require.NoError(t, bundletest.Build(path, spec))
	return path
}

func TestOpenDetectsCompression(t *testing.T) {
	path := buildBundle(t)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Finish(nil)
	assert.NotEmpty(t, r.TmpDir())
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("this is not an archive"), 0o644))
	_, err := Open(path)
	require.Error(t, err)
}

func TestReadPhases(t *testing.T) {
	path := buildBundle(t)
	r, err := Open(path)
	require.NoError(t, err)

	stub := &fakeStub{}
	require.NoError(t, r.AttachStub(stub))
	assert.Equal(t, filepath.Join(r.TmpDir(), ContentsDB), stub.attached)

	require.NoError(t, r.PrepForInstall())
	assert.True(t, r.HasMetafile(MessageFile))
	assert.False(t, r.HasMetafile(InstallFile))

	// payload entries arrive in plist order
	hdr, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "bin/foo", hdr.Name)

	target := filepath.Join(t.TempDir(), "foo")
	n, err := r.ExtractCurrent(target)
	require.NoError(t, err)
	assert.Equal(t, int64(len("#!/bin/sh\necho foo\n")), n)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho foo\n", string(content))

	hdr, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "share/foo/data.txt", hdr.Name)
	_, err = r.ExtractCurrent(filepath.Join(t.TempDir(), "data.txt"))
	require.NoError(t, err)

	// a third pull overruns the payload: bundle out of sync
	_, err = r.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, mporterr.ErrBundleOutOfSync))

	tmp := r.TmpDir()
	require.NoError(t, r.Finish(stub))
	assert.True(t, stub.detached)
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}
