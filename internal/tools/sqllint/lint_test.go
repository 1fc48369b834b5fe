package main

import (
	"strings"
	"testing"
)

func TestLintFileFlagsMissingMarker(t *testing.T) {
	src := "package q\n\nconst QBad = `select 1;`\n\nconst QGood = `--sql 0b7e2a43-8d1c-4a8e-9c55-2f1f3c1b8f00\nselect 1;`\n\nconst Label = \"not sql\"\n"

	l := newLinter()
	if err := l.lintFile("q.go", src); err != nil {
		t.Fatalf("lintFile returned error: %v", err)
	}
	if len(l.violations) != 1 {
		t.Fatalf("expected 1 violation, got %+v", l.violations)
	}
	if l.violations[0].name != "QBad" || l.violations[0].line != 3 {
		t.Fatalf("unexpected violation: %+v", l.violations[0])
	}
}

func TestLintFileFlagsDuplicateMarkerAcrossFiles(t *testing.T) {
	first := "package q\n\nconst QOne = `--sql 0b7e2a43-8d1c-4a8e-9c55-2f1f3c1b8f00\nselect 1;`\n"
	second := "package q\n\nconst QTwo = `--sql 0b7e2a43-8d1c-4a8e-9c55-2f1f3c1b8f00\nupdate jobs set status = 'eligible';`\n"

	l := newLinter()
	if err := l.lintFile("one.go", first); err != nil {
		t.Fatalf("lintFile returned error: %v", err)
	}
	if err := l.lintFile("two.go", second); err != nil {
		t.Fatalf("lintFile returned error: %v", err)
	}
	if len(l.violations) != 1 {
		t.Fatalf("expected 1 violation, got %+v", l.violations)
	}
	v := l.violations[0]
	if v.name != "QTwo" || !strings.Contains(v.message, "QOne") {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestLintPathAcceptsLedgerQueries(t *testing.T) {
	l := newLinter()
	if err := l.lintPath("../../sqlinline"); err != nil {
		t.Fatalf("lintPath returned error: %v", err)
	}
	if len(l.violations) != 0 {
		t.Fatalf("unexpected violations: %+v", l.violations)
	}
}
