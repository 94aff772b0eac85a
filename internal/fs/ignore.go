package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"nas-go/internal/nas"
)

// IgnoreRules decides which entries of an upload batch are skipped. Paths are
// slash-separated and relative to the batch directory.
//
// One rule per line:
//
//	*.log        any entry named *.log, at any depth
//	/notes.txt   only notes.txt at the batch root
//	raw/*.cr2    anchored: a pattern with an inner '/' matches from the root
//	build/       directories only
//	!keep.log    re-include what an earlier rule skipped
//
// The last matching rule wins. A skipped directory is not descended into, so
// a negation cannot re-include entries below it.
type IgnoreRules struct {
	rules []ignoreRule
}

type ignoreRule struct {
	pattern  string
	anchored bool
	dirOnly  bool
	negate   bool
}

// IsReserved reports whether name can never be uploaded: the catalog
// database, staging temp files and the rules file itself.
func IsReserved(name string) bool {
	return name == nas.CatalogFileName ||
		name == IgnoreFileName ||
		strings.HasPrefix(name, nas.TempFilePrefix)
}

// NewIgnoreRules parses lines into rules. Blank lines and lines starting with
// '#' are skipped; a malformed glob is reported with its line number.
func NewIgnoreRules(lines []string) (*IgnoreRules, error) {
	r := &IgnoreRules{}
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rule ignoreRule
		if rest, ok := strings.CutPrefix(line, "!"); ok {
			rule.negate = true
			line = rest
		}
		if rest, ok := strings.CutSuffix(line, "/"); ok {
			rule.dirOnly = true
			line = rest
		}
		if rest, ok := strings.CutPrefix(line, "/"); ok {
			rule.anchored = true
			line = rest
		}
		if strings.Contains(line, "/") {
			rule.anchored = true
		}
		if line == "" {
			return nil, fmt.Errorf("ignore rule %d: empty pattern", i+1)
		}
		if _, err := path.Match(line, ""); errors.Is(err, path.ErrBadPattern) {
			return nil, fmt.Errorf("ignore rule %d: %q: %w", i+1, line, err)
		}
		rule.pattern = line
		r.rules = append(r.rules, rule)
	}
	return r, nil
}

// Skip reports whether the entry at rel should be left out of the batch.
func (r *IgnoreRules) Skip(rel string, isDir bool) bool {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return false
	}
	base := path.Base(rel)
	if IsReserved(base) {
		return true
	}

	skip := false
	for _, rule := range r.rules {
		if rule.dirOnly && !isDir {
			continue
		}
		subject := base
		if rule.anchored {
			subject = rel
		}
		if ok, _ := path.Match(rule.pattern, subject); ok {
			skip = !rule.negate
		}
	}
	return skip
}

// ReadIgnoreFile returns the raw lines of a rules file, or nil when it does
// not exist.
func ReadIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
