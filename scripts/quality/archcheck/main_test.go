package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestViolationReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		importer string
		imported string
		wantHit  bool
	}{
		{name: "pkg importing internal", importer: "chatsync/pkg/session", imported: "chatsync/internal/driver", wantHit: true},
		{name: "cmd importing internal", importer: "chatsync/cmd/chatsync", imported: "chatsync/internal/driver"},
		{name: "core importing module package", importer: "chatsync/pkg/chatsync", imported: "chatsync/pkg/clock", wantHit: true},
		{name: "core importing stdlib", importer: "chatsync/pkg/chatsync", imported: "context"},
		{name: "component importing session", importer: "chatsync/pkg/notify", imported: "chatsync/pkg/session", wantHit: true},
		{name: "session importing component", importer: "chatsync/pkg/session", imported: "chatsync/pkg/notify"},
		{name: "driver importing registry", importer: "chatsync/internal/driver/wsstore", imported: "chatsync/internal/driver", wantHit: true},
		{name: "registry importing driver", importer: "chatsync/internal/driver", imported: "chatsync/internal/driver/wsstore"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			reason := violationReason(testCase.importer, testCase.imported)
			if got := reason != ""; got != testCase.wantHit {
				t.Fatalf("violationReason(%q, %q) = %q, want hit=%v", testCase.importer, testCase.imported, reason, testCase.wantHit)
			}
		})
	}
}

func TestCollectViolationsDeduplicatesAndSorts(t *testing.T) {
	t.Parallel()

	packages := []listedPackage{
		{
			ImportPath:  "chatsync/pkg/typing",
			Imports:     []string{"chatsync/pkg/session"},
			TestImports: []string{"chatsync/pkg/session"},
		},
		{
			ImportPath:   "chatsync/pkg/loader",
			XTestImports: []string{"chatsync/internal/driver/wsstore"},
		},
	}

	want := []string{
		"chatsync/pkg/loader -> chatsync/internal/driver/wsstore (pkg/* must not import internal/*)",
		"chatsync/pkg/typing -> chatsync/pkg/session (pkg/typing must not import pkg/session)",
	}
	if diff := cmp.Diff(want, collectViolations(packages)); diff != "" {
		t.Fatalf("violations mismatch (-want +got):\n%s", diff)
	}
}
