package kextlink

import (
	"github.com/acidanthera/ockernlib/internal/machobj"
	"github.com/acidanthera/ockernlib/internal/resolver"
)

// patchVtables implements spec.md §4.G step 3: for each vtable symbol the
// candidate defines, find the resident vtable of the same class name (if
// any — a kext extending a class already instantiated by a dependency),
// use its slot count as the inherited parent-slot count, and fill any
// slot the candidate left blank (no overriding symbol at that address)
// with the parent's resolved address. Slots the candidate itself names
// are left untouched: those are its own overrides.
//
// There is no OSMetaClass super-class graph available from a Mach-O-only
// view, so "the same class name already resident" is the closure signal
// used in place of an explicit super-class pointer.
func patchVtables(candidate *machobj.Context, resident, composite *resolver.VtableMap, symtab *resolver.SymbolTable) error {
	if candidate.Symtab == nil {
		return nil
	}
	for _, sym := range candidate.Symtab.Syms {
		if sym.Name == "" || !resolver.IsVtableSymbol(sym.Name) {
			continue
		}
		className := resolver.ClassNameFromVtableSymbol(sym.Name)
		parent, ok := resident.ByClassName(className)
		if !ok {
			continue // no resident vtable for this class: nothing to inherit
		}
		own, ok := composite.ByClassName(className)
		if !ok {
			continue
		}
		if err := writeInheritedSlots(candidate, sym.Value, parent, own, symtab); err != nil {
			return err
		}
	}
	return nil
}

const vtableSlotSize = 8

func writeInheritedSlots(ctx *machobj.Context, vtableVA uint64, parent, own *resolver.Vtable, symtab *resolver.SymbolTable) error {
	for i, slotName := range own.Slots {
		if slotName != "" {
			continue // candidate's own override: leave as emitted
		}
		if i >= len(parent.Slots) {
			break // beyond the inherited prefix: candidate's own extension
		}
		parentSlot := parent.Slots[i]
		if parentSlot == "" {
			continue
		}
		parentSym, ok := symtab.Resolve(parentSlot)
		if !ok {
			continue
		}
		slotVA := vtableVA + uint64(i)*vtableSlotSize
		off, ok := ctx.VAToFileOffset(slotVA)
		if !ok {
			continue
		}
		if err := ctx.View.WriteUint64(int(off), parentSym.Value); err != nil {
			return err
		}
	}
	return nil
}
