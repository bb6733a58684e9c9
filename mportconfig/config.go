// Package mportconfig loads /etc/mport.conf and carries the resolved
// Settings value passed into every constructor. Nothing else in the
// engine reads configuration files or the environment.
package mportconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/mport.conf"

// Settings is the resolved configuration for one engine instance.
type Settings struct {
	MirrorRegion    string        `yaml:"mirror_region"`
	TargetOS        string        `yaml:"target_os"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	AssumeAlwaysYes bool          `yaml:"assume_always_yes"`

	// Root is the chroot prefix prepended to every filesystem path the
	// engine touches. Empty means the live system.
	Root string `yaml:"root"`

	// DBDir is the state directory, normally /var/db/mport.
	DBDir string `yaml:"db_dir"`

	// MirrorURL overrides mirror selection with a fixed mirror root.
	MirrorURL string `yaml:"mirror_url"`

	// DownloadDir overrides the bundle cache location (the -o flag).
	DownloadDir string `yaml:"-"`

	// AuditEndpoint is the CVE feed queried by audit, keyed by CPE.
	AuditEndpoint string `yaml:"audit_endpoint"`

	Arch string `yaml:"arch"`
}

// Default returns the settings used when no config file exists.
func Default() *Settings {
	return &Settings{
		TargetOS:      "3.2",
		FetchTimeout:  120 * time.Second,
		DBDir:         "/var/db/mport",
		AuditEndpoint: "https://sec.midnightbsd.org/api/cve",
		Arch:          runtime.GOARCH,
	}
}

// Load reads path, falling back to defaults when the file is absent.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if s.FetchTimeout <= 0 {
		s.FetchTimeout = 120 * time.Second
	}
	if s.DBDir == "" {
		s.DBDir = "/var/db/mport"
	}

	return s, nil
}

// Path helpers. All state lives under DBDir, itself under Root.

func (s *Settings) stateDir() string {
	return filepath.Join(s.Root, s.DBDir)
}

// MasterDB is the live package database file.
func (s *Settings) MasterDB() string {
	return filepath.Join(s.stateDir(), "master.db")
}

// LockPath is the advisory lock taken for the duration of any mutating
// operation.
func (s *Settings) LockPath() string {
	return filepath.Join(s.stateDir(), ".lock")
}

// DownloadsDir is the bundle cache.
func (s *Settings) DownloadsDir() string {
	if s.DownloadDir != "" {
		return s.DownloadDir
	}
	return filepath.Join(s.stateDir(), "downloads")
}

// IndexDir is the index cache.
func (s *Settings) IndexDir() string {
	return filepath.Join(s.stateDir(), "index")
}

// IndexDB is the decompressed local copy of the remote index.
func (s *Settings) IndexDB() string {
	return filepath.Join(s.IndexDir(), "index.db")
}

// InfraDir is the per-package hook script directory for name-version.
func (s *Settings) InfraDir(name, version string) string {
	return filepath.Join(s.stateDir(), "infrastructure", name+"-"+version)
}

// IndexURL is the remote index location for this OS release and arch.
func (s *Settings) IndexURL(mirror string) string {
	return fmt.Sprintf("%s/%s/%s/index.db.zst", mirror, s.TargetOS, s.Arch)
}
