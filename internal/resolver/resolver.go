// Package resolver computes a kext's dependency closure and the composite
// symbol/vtable tables a link against that closure needs. It generalizes
// Library/OcMachoPrelinkLib/Dependencies.c's
// InternalPrepareCreateVtablesForPrelinked (resident kexts resolving
// against what is already committed) and
// InternalPrepareCreateVtablesForPatch (a freshly-linked candidate
// resolving against resident kexts plus itself) into two entry points
// (ResolveResidentVtables, ResolveCandidateVtables) rather than collapsing
// them, since the two have
// different dependency directions (SPEC_FULL.md §3).
package resolver

import (
	"sort"

	"github.com/acidanthera/ockernlib/internal/kext"
	"github.com/acidanthera/ockernlib/internal/machobj"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// Universe is the read-only set of already-resident kexts a candidate
// resolves its dependencies against (kernel included as "__kernel__").
type Universe struct {
	byBundleID map[string]*kext.Record
	contexts   map[string]*machobj.Context
}

// NewUniverse indexes resident kexts (and their parsed Mach-O contexts,
// keyed the same way) for dependency-closure and symbol lookups.
func NewUniverse(resident []*kext.Record, contexts map[string]*machobj.Context) *Universe {
	u := &Universe{byBundleID: make(map[string]*kext.Record, len(resident)), contexts: contexts}
	if u.contexts == nil {
		u.contexts = make(map[string]*machobj.Context)
	}
	for _, r := range resident {
		u.byBundleID[r.Bundle.ID] = r
	}
	return u
}

// Get returns the resident record for bundleID, if any.
func (u *Universe) Get(bundleID string) (*kext.Record, bool) {
	r, ok := u.byBundleID[bundleID]
	return r, ok
}

// Has reports whether bundleID is already resident, the check
// inject_kext uses to reject a DuplicateBundleId (spec.md §4.G).
func (u *Universe) Has(bundleID string) bool {
	_, ok := u.byBundleID[bundleID]
	return ok
}

// Add registers a newly-linked kext as resident, so that a later
// inject_kext call in the same caller-ordered sequence sees it as part
// of its dependency universe (spec.md §5: "each kext sees ... exactly
// the kexts injected in prior calls plus the originally resident ones").
func (u *Universe) Add(rec *kext.Record, ctx *machobj.Context) {
	u.byBundleID[rec.Bundle.ID] = rec
	if ctx != nil {
		u.contexts[rec.Bundle.ID] = ctx
	}
}

// Context returns the parsed Mach-O context registered for bundleID.
func (u *Universe) Context(bundleID string) (*machobj.Context, bool) {
	ctx, ok := u.contexts[bundleID]
	return ctx, ok
}

// All returns every resident record, in map-iteration (unspecified) order;
// callers needing a stable order should sort by Bundle.ID.
func (u *Universe) All() []*kext.Record {
	out := make([]*kext.Record, 0, len(u.byBundleID))
	for _, r := range u.byBundleID {
		out = append(out, r)
	}
	return out
}

// Closure computes the topologically ordered (kernel/root-first)
// dependency closure of the OSBundleLibraries map libs, per spec.md §4.F
// steps 1-3. Each named library must resolve to a resident Kext Record
// whose version is >= the requested compatible version.
func Closure(u *Universe, libs map[string]string) ([]*kext.Record, error) {
	var order []*kext.Record
	seen := make(map[string]bool)

	// Deterministic visitation order makes the composite symbol table
	// build reproducibly even though `libs` is a Go map.
	names := make([]string, 0, len(libs))
	for name := range libs {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(id, wantVersion string) error
	visit = func(id, wantVersion string) error {
		if seen[id] {
			return nil
		}
		rec, ok := u.byBundleID[id]
		if !ok {
			return &ockerr.MissingDependencyError{BundleID: id, Version: wantVersion}
		}
		if versionLess(rec.Bundle.Version, wantVersion) {
			return &ockerr.MissingDependencyError{BundleID: id, Version: wantVersion}
		}
		seen[id] = true
		depNames := make([]string, 0, len(rec.Bundle.OSBundleLibraries))
		for dep := range rec.Bundle.OSBundleLibraries {
			depNames = append(depNames, dep)
		}
		sort.Strings(depNames)
		for _, dep := range depNames {
			if err := visit(dep, rec.Bundle.OSBundleLibraries[dep]); err != nil {
				return err
			}
		}
		order = append(order, rec)
		return nil
	}

	for _, name := range names {
		if err := visit(name, libs[name]); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// versionLess does a dotted-numeric compare, treating a missing or
// unparsable component as zero; Darwin kext versions are always
// dotted-decimal (e.g. "6.0", "1.0.0b1" truncated at the first non-digit
// run), matching the comparison XNU's own kmod loader performs.
func versionLess(have, want string) bool {
	hv := splitVersion(have)
	wv := splitVersion(want)
	for i := 0; i < len(hv) || i < len(wv); i++ {
		var h, w int
		if i < len(hv) {
			h = hv[i]
		}
		if i < len(wv) {
			w = wv[i]
		}
		if h != w {
			return h < w
		}
	}
	return false
}

func splitVersion(s string) []int {
	var out []int
	cur := 0
	has := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			cur = cur*10 + int(c-'0')
			has = true
		case c == '.':
			out = append(out, cur)
			cur, has = 0, false
		default:
			i = len(s) // stop at the first non-numeric, non-dot rune
		}
	}
	if has || len(out) == 0 {
		out = append(out, cur)
	}
	return out
}

// SymbolTable is the composite, closure-ordered symbol table described in
// spec.md §4.F: kernel/root first, direct dependencies last-wins on name
// collision (matching the last-writer-wins semantics of concatenating the
// closure's flat symbol tables in order).
type SymbolTable struct {
	byName map[string]machobj.Symbol
}

func BuildSymbolTable(u *Universe, closure []*kext.Record) *SymbolTable {
	st := &SymbolTable{byName: make(map[string]machobj.Symbol)}
	for _, rec := range closure {
		ctx, ok := u.contexts[rec.Bundle.ID]
		if !ok || ctx.Symtab == nil {
			continue
		}
		for _, sym := range ctx.Symtab.Syms {
			if sym.Name == "" {
				continue
			}
			st.byName[sym.Name] = sym
		}
	}
	return st
}

func (st *SymbolTable) Resolve(name string) (machobj.Symbol, bool) {
	s, ok := st.byName[name]
	return s, ok
}

// VtableMap is the composite bundle-id+class-name -> resolved vtable map
// from spec.md §4.F, populated by ResolveResidentVtables /
// ResolveCandidateVtables (see vtable.go).
type VtableMap struct {
	byKey map[vtableKey]*Vtable
}

type vtableKey struct {
	BundleID  string
	ClassName string
}

func newVtableMap() *VtableMap { return &VtableMap{byKey: make(map[vtableKey]*Vtable)} }

func (m *VtableMap) put(bundleID, className string, v *Vtable) {
	m.byKey[vtableKey{bundleID, className}] = v
}

func (m *VtableMap) ResolveVtable(bundleID, className string) (*Vtable, bool) {
	v, ok := m.byKey[vtableKey{bundleID, className}]
	return v, ok
}

// ByClassName scans every resident entry for a matching class name,
// regardless of owning bundle, for the kext linker's (component G)
// parent-slot-count lookup when no OSMetaClass super-class graph is
// available to disambiguate which bundle's definition is authoritative.
// When several bundles define the class, which one is returned is not
// defined (map iteration order).
func (m *VtableMap) ByClassName(className string) (*Vtable, bool) {
	for k, v := range m.byKey {
		if k.ClassName == className {
			return v, true
		}
	}
	return nil, false
}
