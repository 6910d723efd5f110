package version

import "testing"

func TestParseAndString(t *testing.T) {
	v, err := Parse("1.2.3.4")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v != (Version{1, 2, 3, 4}) {
		t.Fatalf("unexpected %v", v)
	}
	if v.String() != "1.2.3.4" {
		t.Fatalf("String = %s", v)
	}
	short, err := Parse("2.1")
	if err != nil || short != (Version{2, 1, 0, 0}) {
		t.Fatalf("short form = %v, %v", short, err)
	}
	for _, bad := range []string{"", "1.2.3.4.5", "a.b", "70000"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestCompare(t *testing.T) {
	if MustParse("1.2.0.0").Compare(MustParse("1.10.0.0")) != -1 {
		t.Fatal("minor compare must be numeric")
	}
	if MustParse("1.0.0.1").Compare(MustParse("1.0.0.0")) != 1 {
		t.Fatal("revision must break ties")
	}
	if MustParse("3.0").Compare(MustParse("3.0.0.0")) != 0 {
		t.Fatal("expected equal")
	}
}

func TestPolicies(t *testing.T) {
	req := MustParse("1.0.0.0")
	exact := MustParse("1.0.0.0")
	newer := MustParse("1.2.0.0")
	major := MustParse("2.0.0.0")

	if !Exact(req, exact) || Exact(req, newer) {
		t.Fatal("exact policy must accept only the requested version")
	}
	if !ForwardCompatible(req, exact) || !ForwardCompatible(req, newer) {
		t.Fatal("forward policy must accept same-major newer versions")
	}
	if ForwardCompatible(req, major) {
		t.Fatal("forward policy must reject a different major")
	}
	if ForwardCompatible(newer, req) {
		t.Fatal("forward policy must reject older versions")
	}
}

func TestBestPrefersExactThenLowestCompatible(t *testing.T) {
	req := MustParse("1.0.0.0")
	both := []Version{MustParse("1.2.0.0"), MustParse("1.0.0.0")}

	if i := Best(req, both, Exact); i != 1 {
		t.Fatalf("exact: got index %d", i)
	}
	if i := Best(req, both, ForwardCompatible); i != 1 {
		t.Fatalf("forward with exact present: got index %d", i)
	}

	onlyNewer := []Version{MustParse("1.5.0.0"), MustParse("1.2.0.0"), MustParse("2.0.0.0")}
	if i := Best(req, onlyNewer, Exact); i != -1 {
		t.Fatalf("exact must not bind a newer version, got %d", i)
	}
	if i := Best(req, onlyNewer, ForwardCompatible); i != 1 {
		t.Fatalf("forward must bind the lowest compatible version, got %d", i)
	}
}

func TestConstraintPolicy(t *testing.T) {
	p, err := Constraint(">= 1.1, < 2")
	if err != nil {
		t.Fatalf("constraint: %v", err)
	}
	req := MustParse("1.0.0.0")
	if p(req, MustParse("1.0.5.0")) {
		t.Fatal("1.0.5 must not satisfy >= 1.1")
	}
	if !p(req, MustParse("1.4.0.9")) {
		t.Fatal("1.4.0 must satisfy the constraint")
	}
	if p(req, MustParse("2.0.0.0")) {
		t.Fatal("2.0.0 must not satisfy < 2")
	}
	if _, err := Constraint(">>> nope"); err == nil {
		t.Fatal("expected invalid constraint error")
	}
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"exact", "forward", "any", "~1.2"} {
		if _, err := ParsePolicy(name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
}
