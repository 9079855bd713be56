package resolver

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/acidanthera/ockernlib/internal/kext"
)

func rec(id, version string, libs map[string]string) *kext.Record {
	return &kext.Record{Bundle: kext.BundleInfo{ID: id, Version: version, OSBundleLibraries: libs}}
}

func TestClosureOrderingKernelFirst(t *testing.T) {
	kernel := rec("__kernel__", "6.0", nil)
	iokit := rec("com.apple.iokit.IOPCIFamily", "2.0", map[string]string{"__kernel__": "6.0"})
	u := NewUniverse([]*kext.Record{kernel, iokit}, nil)

	closure, err := Closure(u, map[string]string{"com.apple.iokit.IOPCIFamily": "1.0"})
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(closure))
	for i, r := range closure {
		ids[i] = r.Bundle.ID
	}
	want := []string{"__kernel__", "com.apple.iokit.IOPCIFamily"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("unexpected closure order (-want +got):\n%s", diff)
	}
}

func TestClosureMissingDependency(t *testing.T) {
	u := NewUniverse(nil, nil)
	if _, err := Closure(u, map[string]string{"com.example.missing": "1.0"}); err == nil {
		t.Fatal("expected MissingDependency error")
	}
}

func TestClosureVersionTooOld(t *testing.T) {
	old := rec("com.example.lib", "1.0", nil)
	u := NewUniverse([]*kext.Record{old}, nil)
	if _, err := Closure(u, map[string]string{"com.example.lib": "2.0"}); err == nil {
		t.Fatal("expected MissingDependency error for version mismatch")
	}
}
