package mportaudit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mport/mport/mportasset"
	"github.com/mport/mport/mportcb"
	"github.com/mport/mport/mportconfig"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mportinstall"
)

func auditDB(t *testing.T) (*mportdb.DB, *mportconfig.Settings) {
	t.Helper()
	settings := mportconfig.Default()
	settings.DBDir = "db"
	settings.Root = t.TempDir()

	db, err := mportdb.Open(settings, zap.NewNop(), mportcb.FixedClock{T: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, settings
}

func insertPkgWithFile(t *testing.T, db *mportdb.DB, settings *mportconfig.Settings, name, relPath string, content []byte) string {
	t.Helper()
	_, err := db.Conn().Exec(
		`INSERT INTO packages (pkg, version, prefix, cpe, install_date, status)
		 VALUES (?, '1.0', '/usr/local', ?, 1690000000, 'clean')`,
		name, "cpe:2.3:a:test:"+name+":1.0:*:*:*:*:*:*:*")
	require.NoError(t, err)

	abs := filepath.Join(settings.Root, "usr/local", relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, content, 0o644))

	hash, err := mportinstall.HashFile(abs)
	require.NoError(t, err)

	_, err = db.Conn().Exec(
		"INSERT INTO assets (pkg, type, data, checksum) VALUES (?, ?, ?, ?)",
		name, int(mportasset.File), "/usr/local/"+relPath, hash)
	require.NoError(t, err)
	return abs
}

func testCallbacks() *mportcb.Callbacks {
	return &mportcb.Callbacks{
		Msg:      mportcb.DiscardMsg{},
		Progress: mportcb.NopProgress{},
		Confirm:  mportcb.StaticConfirm{Answer: true},
		Clock:    mportcb.FixedClock{T: time.Unix(1700000000, 0)},
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	db, settings := auditDB(t)
	ctx := context.Background()

	good := insertPkgWithFile(t, db, settings, "good", "bin/good", []byte("intact content"))
	tampered := insertPkgWithFile(t, db, settings, "victim", "bin/victim", []byte("original content"))
	_ = good

	v := NewVerifier(db, settings, testCallbacks(), zap.NewNop())

	// first run: everything matches
	mismatches, err := v.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// flip one byte of one tracked file
	data, err := os.ReadFile(tampered)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(tampered, data, 0o644))

	// second run reports exactly that file and package
	mismatches, err = v.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "victim", mismatches[0].Pkg)
	assert.Equal(t, tampered, mismatches[0].Path)
}

func TestRecomputeChecksums(t *testing.T) {
	db, settings := auditDB(t)
	ctx := context.Background()

	path := insertPkgWithFile(t, db, settings, "tool", "bin/tool", []byte("v1"))
	require.NoError(t, os.WriteFile(path, []byte("v2, edited on purpose"), 0o644))

	v := NewVerifier(db, settings, testCallbacks(), zap.NewNop())

	mismatches, err := v.Verify(ctx, "tool")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)

	require.NoError(t, v.RecomputeChecksums(ctx, "tool"))

	mismatches, err = v.Verify(ctx, "tool")
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestAuditReportsCVEs(t *testing.T) {
	db, settings := auditDB(t)
	ctx := context.Background()

	insertPkgWithFile(t, db, settings, "vulnpkg", "bin/vuln", []byte("x"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"cveId":"CVE-2026-0001","description":"stack overflow in parser"}]`))
	}))
	defer srv.Close()
	settings.AuditEndpoint = srv.URL

	cb := testCallbacks()
	cb.Fetcher = mportcb.NewFetcher(0)

	a := NewAuditor(db, settings, cb, zap.NewNop())
	findings, err := a.Audit(ctx, "vulnpkg", false)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Len(t, findings[0].CVEs, 1)
	assert.Equal(t, "CVE-2026-0001", findings[0].CVEs[0].CVEID)
}

func TestAuditDependsOnChains(t *testing.T) {
	db, settings := auditDB(t)
	ctx := context.Background()

	insertPkgWithFile(t, db, settings, "libvuln", "lib/libvuln.so", []byte("x"))
	insertPkgWithFile(t, db, settings, "app", "bin/app", []byte("y"))
	_, err := db.Conn().Exec(
		"INSERT INTO depends (pkg, depend_pkgname) VALUES ('app', 'libvuln')")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"cveId":"CVE-2026-0002","description":"bad"}]`))
	}))
	defer srv.Close()
	settings.AuditEndpoint = srv.URL

	cb := testCallbacks()
	cb.Fetcher = mportcb.NewFetcher(0)

	a := NewAuditor(db, settings, cb, zap.NewNop())
	findings, err := a.Audit(ctx, "libvuln", true)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Len(t, findings[0].Chains, 1)
	assert.Equal(t, []string{"libvuln", "app"}, findings[0].Chains[0])
}
