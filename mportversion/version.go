// Package mportversion implements the total order on package version
// strings and the requirement predicate language used by dependency
// declarations (">=1.4.0<1.5" and friends).
package mportversion

import (
	"strconv"
	"strings"

	"github.com/mport/mport/mporterr"
)

type version struct {
	base     string
	revision int
	epoch    int
}

// parse splits a version string into (epoch, base, revision). The suffix
// ",N" sets the epoch and "_N" the revision. Anything at or after a '<'
// or '>' is discarded; a range expression embedded by mistake must not
// poison the comparison.
func parse(in string) version {
	var v version

	if i := strings.IndexAny(in, "<>"); i != -1 {
		in = in[:i]
	}

	if i := strings.LastIndexByte(in, ','); i != -1 {
		v.epoch, _ = strconv.Atoi(in[i+1:])
		in = in[:i]
	}

	if i := strings.LastIndexByte(in, '_'); i != -1 {
		v.revision, _ = strconv.Atoi(in[i+1:])
		in = in[:i]
	}

	v.base = in
	return v
}

// Cmp compares two version strings. It returns 0 when equal, -1 when a is
// older than b and 1 otherwise. Epochs order first, then the base string,
// then revisions.
func Cmp(a, b string) int {
	av := parse(a)
	bv := parse(b)

	if r := cmpInt(av.epoch, bv.epoch); r != 0 {
		return r
	}
	if r := cmpBase(av.base, bv.base); r != 0 {
		return r
	}
	return cmpInt(av.revision, bv.revision)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpBase walks both strings in lockstep. Each step skips '.' and '+'
// runs, then consumes either a maximal decimal run as a number or a
// single character as its code point. A shorter string pads with zero
// tokens, so "1.0" == "1.0.0".
func cmpBase(a, b string) int {
	for len(a) > 0 || len(b) > 0 {
		var asub, bsub int

		a, asub = nextToken(a)
		b, bsub = nextToken(b)

		if r := cmpInt(asub, bsub); r != 0 {
			return r
		}
	}
	return 0
}

func nextToken(s string) (rest string, tok int) {
	for len(s) > 0 && (s[0] == '.' || s[0] == '+') {
		s = s[1:]
	}
	if len(s) == 0 {
		return "", 0
	}
	if s[0] >= '0' && s[0] <= '9' {
		i := 1
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		n, _ := strconv.Atoi(s[:i])
		return s[i:], n
	}
	return s[1:], int(s[0])
}

type bound struct {
	op  string // ">", ">=", "<", "<="
	ver string
}

// parseRequire records the operator positions in a requirement string and
// splits it into one or two bounds. At most two bounds are meaningful;
// each must open with '<' or '>'.
func parseRequire(require string) ([]bound, error) {
	if len(require) < 2 {
		return nil, mporterr.Wrapf(mporterr.MalformedRequirement, mporterr.ErrMalformedRequirement,
			"malformed version requirement: %s", require)
	}

	var starts []int
	for i := 0; i < len(require); i++ {
		if require[i] == '<' || require[i] == '>' {
			starts = append(starts, i)
		}
	}
	if len(starts) == 0 || starts[0] != 0 || len(starts) > 2 {
		return nil, mporterr.Wrapf(mporterr.MalformedRequirement, mporterr.ErrMalformedRequirement,
			"malformed version requirement: %s", require)
	}

	var bounds []bound
	for i, start := range starts {
		end := len(require)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		clause := require[start:end]

		op := clause[:1]
		rest := clause[1:]
		if strings.HasPrefix(rest, "=") {
			op += "="
			rest = rest[1:]
		}
		if rest == "" {
			return nil, mporterr.Wrapf(mporterr.MalformedRequirement, mporterr.ErrMalformedRequirement,
				"malformed version requirement: %s", require)
		}
		bounds = append(bounds, bound{op: op, ver: rest})
	}

	return bounds, nil
}

// RequireCheck evaluates a requirement predicate against a baseline
// version. It returns true when every bound is satisfied, false when one
// is not, and ErrMalformedRequirement for input it cannot parse.
func RequireCheck(baseline, require string) (bool, error) {
	bounds, err := parseRequire(require)
	if err != nil {
		return false, err
	}

	for _, b := range bounds {
		r := Cmp(baseline, b.ver)
		var ok bool
		switch b.op {
		case ">":
			ok = r > 0
		case ">=":
			ok = r >= 0
		case "<":
			ok = r < 0
		case "<=":
			ok = r <= 0
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
