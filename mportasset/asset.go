// Package mportasset models plist directives: the ordered sequence of
// filesystem effects a package declares. Order is semantically
// significant; @cwd, @mode, @owner and @group change how later file
// entries are interpreted.
package mportasset

import (
	"path/filepath"
	"strings"
)

// Type tags an asset entry. The numeric values are stored in asset rows
// of both the live and stub databases and must stay stable.
type Type int

const (
	Invalid Type = iota
	File
	Cwd
	Chmod
	Chown
	Chgrp
	Comment
	Ignore
	Name
	Exec
	UnExec
	Src
	Display
	PkgDep
	Conflicts
	Mtree
	DirRm
	DirRmTry
	IgnoreInst
	Option
	Origin
	DepOrigin
	NoInst
	Dir
	Sample
	Shell
	PreExec
	PreUnExec
	PostExec
	PostUnExec
	FileOwnerMode
	DirOwnerMode
	SampleOwnerMode
	Ldconfig
	LdconfigLinux
	RmEmpty
	GlibSchemas
	Kld
	DesktopFileUtils
	Info
	Touch
)

// Materialized reports whether entries of this type carry a payload file
// in the bundle archive.
func (t Type) Materialized() bool {
	switch t {
	case File, FileOwnerMode, Sample, SampleOwnerMode, Shell, Info:
		return true
	}
	return false
}

// Entry is one plist directive. Data is the path, command or argument;
// Checksum, Owner, Group and Mode are optional per-entry overrides.
type Entry struct {
	Type     Type
	Data     string
	Checksum string
	Owner    string
	Group    string
	Mode     string
}

// List is an ordered sequence of entries. Iteration order equals file
// order in the plist.
type List []*Entry

// ExecFormat expands the command tokens %F (absolute file path), %D
// (current directory) and %B (basename of the file) the way the phase
// executors expect.
func ExecFormat(cmd, dir, file string) string {
	cmd = strings.ReplaceAll(cmd, "%F", file)
	cmd = strings.ReplaceAll(cmd, "%D", dir)
	cmd = strings.ReplaceAll(cmd, "%B", filepath.Base(file))
	return cmd
}

// SampleTarget resolves the active-copy path for an @sample entry. A
// second whitespace-separated argument names the target explicitly;
// otherwise the ".sample" suffix is stripped. An empty return means the
// entry does not describe a derivable target.
func SampleTarget(data string) (src, dst string) {
	fields := strings.Fields(data)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		src = fields[0]
		if i := strings.LastIndex(strings.ToLower(src), ".sample"); i != -1 {
			dst = src[:i] + src[i+len(".sample"):]
		}
		return src, dst
	default:
		return fields[0], fields[1]
	}
}
