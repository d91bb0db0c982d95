// Package uritemplate matches concrete resource URIs against segment-based
// URI templates such as "mail://{mailbox}/{uid}/{section}".
//
// Matching is purely structural: the template and the URI are split on "/"
// after the scheme, segment counts must agree, literal segments must compare
// equal byte for byte and every "{name}" segment binds the (percent-decoded)
// segment at the same position. Empty segments are significant and are never
// collapsed.
//
// Template syntax is validated with github.com/yosida95/uritemplate/v3, which
// is also used to expand templates back into concrete URIs.
package uritemplate

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	rfc6570 "github.com/yosida95/uritemplate/v3"
)

var (
	// ErrStructureMismatch is returned by Match when a URI does not have the
	// shape of the template (scheme, segment count or a literal segment differ).
	ErrStructureMismatch = errors.New("uritemplate: uri does not match template structure")

	// ErrInvalidTemplate is returned by Parse for templates that are not valid
	// scheme-qualified URI templates.
	ErrInvalidTemplate = errors.New("uritemplate: invalid template")
)

const schemeSep = "://"

type segment struct {
	literal  string
	variable string // non-empty for "{name}" segments
}

// Template is a parsed URI template. It is immutable and safe for concurrent
// use.
type Template struct {
	raw      string
	scheme   string
	segments []segment
	expander *rfc6570.Template
}

// Parse parses a template of the form "scheme://seg/seg/..." where each
// segment is a literal or a "{name}" placeholder.
func Parse(template string) (*Template, error) {
	scheme, path, ok := strings.Cut(template, schemeSep)
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidTemplate, template)
	}
	exp, err := rfc6570.New(template)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTemplate, template, err)
	}

	parts := strings.Split(path, "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if name, isVar := variableName(p); isVar {
			if name == "" {
				return nil, fmt.Errorf("%w: %q has an empty variable name", ErrInvalidTemplate, template)
			}
			segs = append(segs, segment{variable: name})
			continue
		}
		segs = append(segs, segment{literal: p})
	}

	return &Template{raw: template, scheme: scheme, segments: segs, expander: exp}, nil
}

// MustParse is like Parse but panics on error. It is intended for package
// level template constants.
func MustParse(template string) *Template {
	t, err := Parse(template)
	if err != nil {
		panic(err)
	}
	return t
}

func variableName(seg string) (string, bool) {
	if len(seg) < 2 || seg[0] != '{' || seg[len(seg)-1] != '}' {
		return "", false
	}
	return seg[1 : len(seg)-1], true
}

// String returns the template as written.
func (t *Template) String() string { return t.raw }

// Scheme returns the template scheme (e.g. "mail").
func (t *Template) Scheme() string { return t.scheme }

// Variables returns the variable names in positional order. Duplicates are
// reported as often as they occur.
func (t *Template) Variables() []string {
	var out []string
	for _, s := range t.segments {
		if s.variable != "" {
			out = append(out, s.variable)
		}
	}
	return out
}

// Match extracts the variable bindings of uri. A duplicated variable name is
// bound to the value of its last occurrence.
func (t *Template) Match(uri string) (map[string]string, error) {
	scheme, path, ok := strings.Cut(uri, schemeSep)
	if !ok || scheme != t.scheme {
		return nil, fmt.Errorf("%w: scheme of %q is not %q", ErrStructureMismatch, uri, t.scheme)
	}

	actual := strings.Split(path, "/")
	if len(actual) != len(t.segments) {
		return nil, fmt.Errorf("%w: %q has %d segments, %q expects %d", ErrStructureMismatch, uri, len(actual), t.raw, len(t.segments))
	}

	vars := make(map[string]string, len(t.segments))
	for i, seg := range t.segments {
		if seg.variable == "" {
			if actual[i] != seg.literal {
				return nil, fmt.Errorf("%w: segment %d is %q, want %q", ErrStructureMismatch, i, actual[i], seg.literal)
			}
			continue
		}
		v, err := url.PathUnescape(actual[i])
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", ErrStructureMismatch, i, err)
		}
		vars[seg.variable] = v
	}
	return vars, nil
}

// Matches reports whether uri has the structure of the template.
func (t *Template) Matches(uri string) bool {
	_, err := t.Match(uri)
	return err == nil
}

// Expand renders the template with vars, percent-encoding each value so that
// Match recovers it unchanged.
func (t *Template) Expand(vars map[string]string) (string, error) {
	values := rfc6570.Values{}
	for k, v := range vars {
		values.Set(k, rfc6570.String(v))
	}
	s, err := t.expander.Expand(values)
	if err != nil {
		return "", fmt.Errorf("uritemplate: expand %q: %w", t.raw, err)
	}
	return s, nil
}
