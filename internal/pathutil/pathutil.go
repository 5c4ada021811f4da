// Package pathutil provides the low-level path helpers shared by the rest
// of commandfs: token substitution for cache-dir templates, an injective
// path-to-cache-key encoding, directory materialisation, and a depth-bounded
// directory walk that closes each directory handle before recursing.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrStop is returned by a Visitor to abort a Visit early without signalling
// failure. Visit propagates it to the caller unchanged.
var ErrStop = errors.New("pathutil: visitor requested stop")

// Substitute replaces every unescaped occurrence of token in template with
// value. An occurrence whose first character is doubled (the token's first
// byte immediately precedes the match) is treated as a literal escape: both
// the doubled character and the token text are left untouched in the output.
func Substitute(template, token, value string) string {
	if token == "" {
		return template
	}
	var out strings.Builder
	last := 0
	i := 0
	for {
		idx := strings.Index(template[i:], token)
		if idx < 0 {
			break
		}
		pos := i + idx
		if pos > 0 && template[pos-1] == token[0] {
			// escaped: leave the doubled prefix and the token text in place
			i = pos + len(token)
			continue
		}
		out.WriteString(template[last:pos])
		out.WriteString(value)
		last = pos + len(token)
		i = last
	}
	out.WriteString(template[last:])
	return out.String()
}

// TokenValue pairs a template token with its replacement value.
type TokenValue struct {
	Token string
	Value string
}

// SubstituteAll applies Substitute for each pair in sequence, feeding each
// result into the next substitution.
func SubstituteAll(template string, pairs []TokenValue) string {
	result := template
	for _, p := range pairs {
		result = Substitute(result, p.Token, p.Value)
	}
	return result
}

// Hash returns an injective encoding of path suitable for use as a flat
// cache-directory filename: '/' becomes '$', and a literal '$' is doubled.
func Hash(path string) string {
	var b strings.Builder
	b.Grow(len(path) * 2)
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '/':
			b.WriteByte('$')
		case '$':
			b.WriteByte('$')
			b.WriteByte('$')
		default:
			b.WriteByte(path[i])
		}
	}
	return b.String()
}

// MakePath resolves path to its canonical absolute form, creating path
// itself and any missing ancestor directories (mode 0777) along the way. An
// already existing component is not an error; any other failure is returned
// wrapped with the path it concerns.
func MakePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "pathutil: resolve absolute path for %s", path)
	}
	clean := filepath.Clean(abs)

	cur := string(filepath.Separator)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == "" {
			continue
		}
		cur = filepath.Join(cur, part)
		if err := os.Mkdir(cur, 0777); err != nil && !os.IsExist(err) {
			return "", errors.Wrapf(err, "pathutil: create %s", cur)
		}
	}

	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		return "", errors.Wrapf(err, "pathutil: resolve %s", clean)
	}
	return resolved, nil
}

// EntryInfo describes one directory entry visited by Visit.
type EntryInfo struct {
	Mode os.FileMode
	Path string // full path of the entry
	Dir  string // parent directory
	Name string // entry's base name
}

// Visitor is called once per directory entry during Visit. Returning
// ErrStop aborts the walk and Visit returns ErrStop to its caller; any other
// non-nil error aborts the walk and is returned unchanged.
type Visitor func(info *EntryInfo) error

// Visit walks the tree rooted at root, breadth-first within each directory
// and depth-first across directories: it lists one directory, invokes visit
// for every entry (closing the directory handle as soon as the listing
// completes), and only then recurses into the subdirectories it collected.
// depth < 0 means unlimited recursion; depth == 0 visits only root's direct
// children.
func Visit(root string, depth int, visit Visitor) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return errors.Wrapf(err, "pathutil: read directory %s", root)
	}

	var subdirs []string
	for _, entry := range entries {
		info, err := entry.Info()
		var mode os.FileMode
		if err == nil {
			mode = info.Mode()
		}
		full := filepath.Join(root, entry.Name())
		if verr := visit(&EntryInfo{Mode: mode, Path: full, Dir: root, Name: entry.Name()}); verr != nil {
			return verr
		}
		if entry.IsDir() {
			subdirs = append(subdirs, full)
		}
	}

	if depth == 0 {
		return nil
	}
	nextDepth := depth - 1
	if depth < 0 {
		nextDepth = depth
	}
	for _, sub := range subdirs {
		if err := Visit(sub, nextDepth, visit); err != nil {
			return err
		}
	}
	return nil
}
