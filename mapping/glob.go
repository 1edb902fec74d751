package mapping

import (
	"regexp"
	"strings"
	"sync"
)

// GlobMatch reports whether name matches an fnmatch-style pattern:
// '*' matches any run of characters (including '/'), '?' matches one
// character. Compiled patterns are cached.
func GlobMatch(pattern, name string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

var (
	globMu    sync.Mutex
	globCache = make(map[string]*regexp.Regexp)
)

func compileGlob(pattern string) (*regexp.Regexp, error) {
	globMu.Lock()
	defer globMu.Unlock()

	if re, ok := globCache[pattern]; ok {
		return re, nil
	}

	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	globCache[pattern] = re
	return re, nil
}
