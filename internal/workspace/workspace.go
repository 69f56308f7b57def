// Package workspace resolves human workspace references into descriptors.
package workspace

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNotFound is returned for references that do not parse or that the
// lookup service does not know.
var ErrNotFound = errors.New("workspace not found")

// InteractiveEngine is the only engine that serves the run/output and
// shell services.
const InteractiveEngine = "goval"

// Descriptor is a resolved workspace. It is immutable once resolved.
type Descriptor struct {
	ID                string `json:"id"`
	Owner             string `json:"owner"`
	Slug              string `json:"slug"`
	Engine            string `json:"engine"`
	CanUseShellRunner bool   `json:"can_use_shell_runner"`
}

// Display renders the descriptor the way users type it.
func (d Descriptor) Display() string {
	if d.Owner == "" {
		return d.ID
	}
	return "@" + d.Owner + "/" + d.Slug
}

// Interactive reports whether the run and shell features are available.
func (d Descriptor) Interactive() bool {
	return d.Engine == InteractiveEngine
}

// Ref is a parsed reference: either an opaque ID or an owner/slug pair.
type Ref struct {
	ID    string
	Owner string
	Slug  string
}

func (r Ref) String() string {
	if r.ID != "" {
		return r.ID
	}
	return "@" + r.Owner + "/" + r.Slug
}

var slugRef = regexp.MustCompile(`@([^/\s]+)/([^?\s#/]+)`)

// ParseRef accepts a five-segment dash-separated ID, "@owner/slug", or a URL
// containing "@owner/slug".
func ParseRef(input string) (Ref, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Ref{}, ErrNotFound
	}
	if len(strings.Split(input, "-")) == 5 && !strings.Contains(input, "/") {
		return Ref{ID: input}, nil
	}
	m := slugRef.FindStringSubmatch(input)
	if m == nil {
		return Ref{}, ErrNotFound
	}
	return Ref{Owner: m[1], Slug: m[2]}, nil
}
