package helper

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidUTF8 is returned if the percent-decoded path is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("invalid UTF8")

	// ErrInvalidPath is returned if the path does not split into the requested
	// number of segments.
	ErrInvalidPath = errors.New("invalid path")
)

// CheckUTF8 reports whether s is valid UTF-8 and free of NUL bytes.
func CheckUTF8(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, '\x00')
}

// SplitPath validates and splits the given HTTP request path into between
// minsegs and maxsegs segments. The returned slice always has maxsegs entries;
// missing trailing segments are returned as empty strings.
//
//	["a", ""]       = SplitPath("/a", 1, 2, false)
//	["a", "c"]      = SplitPath("/a/c", 1, 2, false)
//	["a", "c", "o/r"] = SplitPath("/a/c/o/r", 1, 3, true)
//
// If restWithLast is true, trailing data is returned verbatim as part of the
// last segment. If false, trailing data past maxsegs is an error.
func SplitPath(path string, minsegs, maxsegs int, restWithLast bool) ([]string, error) {
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	} else {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}

	if !CheckUTF8(path) {
		return nil, ErrInvalidUTF8
	}

	if maxsegs == 0 {
		maxsegs = minsegs
	}

	if minsegs > maxsegs {
		return nil, fmt.Errorf("%w: minsegs > maxsegs: %d > %d", ErrInvalidPath, minsegs, maxsegs)
	}

	var segs []string

	if restWithLast {
		segs = strings.SplitN(path, "/", maxsegs+1)
		minsegs++
		maxsegs++

		count := len(segs)
		if segs[0] != "" || count < minsegs || count > maxsegs || hasEmpty(segs[1:minsegs]) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPath, path)
		}
	} else {
		minsegs++
		maxsegs++
		segs = strings.SplitN(path, "/", maxsegs+1)

		count := len(segs)
		if segs[0] != "" || count < minsegs || count > maxsegs+1 ||
			hasEmpty(segs[1:min(minsegs, count)]) ||
			(count == maxsegs+1 && segs[maxsegs] != "") {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPath, path)
		}
	}

	if len(segs) > maxsegs {
		segs = segs[1:maxsegs]
	} else {
		segs = segs[1:]
	}

	for len(segs) < maxsegs-1 {
		segs = append(segs, "")
	}

	return segs, nil
}

func hasEmpty(segs []string) bool {
	for _, seg := range segs {
		if seg == "" {
			return true
		}
	}

	return false
}
