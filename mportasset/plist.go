package mportasset

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// directives maps the @keyword of a plist line to an entry type. Keywords
// that only change parser state (owner/group/mode) still produce entries;
// consumers interpret them in sequence.
var directives = map[string]Type{
	"cwd":                Cwd,
	"cd":                 Cwd,
	"exec":               Exec,
	"unexec":             UnExec,
	"preexec":            PreExec,
	"preunexec":          PreUnExec,
	"postexec":           PostExec,
	"postunexec":         PostUnExec,
	"mode":               Chmod,
	"owner":              Chown,
	"group":              Chgrp,
	"dir":                Dir,
	"dirrm":              DirRm,
	"dirrmtry":           DirRmTry,
	"rmempty":            RmEmpty,
	"sample":             Sample,
	"shell":              Shell,
	"info":               Info,
	"ldconfig":           Ldconfig,
	"ldconfig-linux":     LdconfigLinux,
	"glib-schemas":       GlibSchemas,
	"kld":                Kld,
	"desktop-file-utils": DesktopFileUtils,
	"touch":              Touch,
	"comment":            Comment,
	"ignore":             Ignore,
	"option":             Option,
	"origin":             Origin,
	"deporigin":          DepOrigin,
	"display":            Display,
	"name":               Name,
	"mtree":              Mtree,
	"conflicts":          Conflicts,
	"pkgdep":             PkgDep,
}

// ParsePlist reads a plist text stream into an ordered asset list. Lines
// not starting with '@' are file entries; '@keyword arg' lines map
// through the directive table. Blank lines are skipped.
func ParsePlist(r io.Reader) (List, error) {
	var list List

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" {
			continue
		}

		if line[0] != '@' {
			list = append(list, &Entry{Type: File, Data: line})
			continue
		}

		keyword, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)

		typ, ok := directives[keyword]
		if !ok {
			return nil, fmt.Errorf("plist line %d: unknown directive @%s", lineno, keyword)
		}

		list = append(list, &Entry{Type: typ, Data: arg})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return list, nil
}
