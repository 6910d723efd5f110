// Package version models four-part assembly versions and the compatibility
// policies used to match an assembly reference against available assemblies.
package version

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	semver "github.com/Masterminds/semver/v3"
)

// Version is an assembly version quadruple.
type Version struct {
	Major, Minor, Build, Revision uint16
}

// Parse reads "major[.minor[.build[.revision]]]".
func Parse(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 4 || parts[0] == "" {
		return Version{}, fmt.Errorf("invalid assembly version %q", s)
	}
	var q [4]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Version{}, fmt.Errorf("invalid assembly version %q: %w", s, err)
		}
		q[i] = uint16(n)
	}
	return Version{q[0], q[1], q[2], q[3]}, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Compare returns -1, 0 or +1.
func (v Version) Compare(o Version) int {
	a := [4]uint16{v.Major, v.Minor, v.Build, v.Revision}
	b := [4]uint16{o.Major, o.Minor, o.Build, o.Revision}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// Semver maps major.minor.build onto a semantic version; the revision is dropped.
func (v Version) Semver() *semver.Version {
	return semver.New(uint64(v.Major), uint64(v.Minor), uint64(v.Build), "", "")
}

// Policy decides whether an available assembly satisfies a requested version.
type Policy func(requested, available Version) bool

// Exact accepts only the requested quadruple.
func Exact(requested, available Version) bool {
	return requested == available
}

// ForwardCompatible accepts the same major version with an equal or newer
// minor, build and revision.
func ForwardCompatible(requested, available Version) bool {
	return requested.Major == available.Major && available.Compare(requested) >= 0
}

// Any accepts every version.
func Any(requested, available Version) bool { return true }

// Constraint builds a policy from a semantic version constraint such as
// ">= 1.2, < 2". The requested version is ignored; major.minor.build of the
// available assembly is checked against the expression.
func Constraint(expr string) (Policy, error) {
	if strings.TrimSpace(expr) == "" {
		expr = ">=0.0.0"
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("version constraint %q: %w", expr, err)
	}
	return func(_, available Version) bool {
		return c.Check(available.Semver())
	}, nil
}

// ParsePolicy maps a configured policy name to a Policy. Names other than
// "exact", "forward" and "any" are parsed as constraints.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exact":
		return Exact, nil
	case "forward", "forward-compatible":
		return ForwardCompatible, nil
	case "any":
		return Any, nil
	}
	return Constraint(name)
}

// Best picks the candidate to bind a reference to: an exact match if one
// exists, otherwise the lowest version the policy accepts. It returns the
// index into candidates, or -1.
func Best(requested Version, candidates []Version, policy Policy) int {
	if policy == nil {
		policy = Exact
	}
	order := make([]int, 0, len(candidates))
	for i, c := range candidates {
		if c == requested && policy(requested, c) {
			return i
		}
		if policy(requested, c) {
			order = append(order, i)
		}
	}
	if len(order) == 0 {
		return -1
	}
	sort.SliceStable(order, func(i, j int) bool {
		return candidates[order[i]].Compare(candidates[order[j]]) < 0
	})
	return order[0]
}
