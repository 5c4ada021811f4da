// Package filter implements the qualification policy that decides whether a
// source path should be projected through the configured command: include
// regexes (OR semantics against the path), exclude regexes (any match
// disqualifies), and MIME regexes (OR semantics against the detected MIME
// type, checked only when configured).
package filter

import (
	"regexp"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
)

// Rule is an immutable qualification rule set. A zero-value Rule qualifies
// every path (no include/exclude/mime constraints configured).
type Rule struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
	MIME    []*regexp.Regexp
}

// Detector resolves the MIME type of a source file. It is only invoked when
// Rule.MIME is non-empty, so paths that never need MIME sniffing never pay
// for it.
type Detector func(path string) (string, error)

// DetectMime is the default Detector, backed by gabriel-vasile/mimetype.
func DetectMime(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "filter: detect mime for %s", path)
	}
	return mt.String(), nil
}

// Qualifies reports whether path passes the rule. MIME detection is skipped
// entirely when no MIME regexes are configured.
func (r *Rule) Qualifies(path string, detect Detector) (bool, error) {
	if r == nil {
		return true, nil
	}
	if len(r.Include) > 0 && !anyMatch(r.Include, path) {
		return false, nil
	}
	if anyMatch(r.Exclude, path) {
		return false, nil
	}
	if len(r.MIME) > 0 {
		if detect == nil {
			detect = DetectMime
		}
		mime, err := detect(path)
		if err != nil {
			return false, err
		}
		if !anyMatch(r.MIME, mime) {
			return false, nil
		}
	}
	return true, nil
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
