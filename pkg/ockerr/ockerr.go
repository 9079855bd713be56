// Package ockerr is the error taxonomy shared across the kernel/kext
// injection engine. It generalizes the teacher library's *FormatError
// (github.com/blacktop/go-macho file.go: "FormatError is returned by some
// operations if the data does not have the correct format for an object
// file") into the nine kinds spec.md §7 names. Every kind is carried in
// Error.Kind; MissingDependency, DuplicateBundleId and PatchNotFound also
// have their own Go types so callers can errors.As() for their details.
package ockerr

import "fmt"

// Kind identifies one of the nine error categories from spec.md §7.
type Kind string

const (
	InputMalformed           Kind = "InputMalformed"
	UnsupportedFeature       Kind = "UnsupportedFeature"
	Overflow                 Kind = "Overflow"
	MissingDependency        Kind = "MissingDependency"
	DuplicateBundleId        Kind = "DuplicateBundleId"
	CapacityExceeded         Kind = "CapacityExceeded"
	PatchNotFound            Kind = "PatchNotFound"
	UnsupportedKernelVersion Kind = "UnsupportedKernelVersion"
	InvalidState             Kind = "InvalidState"
)

// Error is the common shape: a kind, an offset (when meaningful), and a message.
type Error struct {
	Kind Kind
	Off  int64
	Msg  string
}

func (e *Error) Error() string {
	if e.Off != 0 {
		return fmt.Sprintf("%s: %s (at offset %#x)", e.Kind, e.Msg, e.Off)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func AtOffset(kind Kind, off int64, format string, args ...any) *Error {
	return &Error{Kind: kind, Off: off, Msg: fmt.Sprintf(format, args...)}
}

// Is supports errors.Is(err, ockerr.Sentinel(ockerr.InputMalformed)) style
// comparisons by kind rather than by pointer identity.
func (e *Error) Is(target error) bool {
	k, ok := target.(*Error)
	if !ok {
		return false
	}
	if k.Msg != "" {
		return false
	}
	return e.Kind == k.Kind
}

// Sentinel returns a zero-message *Error usable as an errors.Is() target,
// e.g. errors.Is(err, ockerr.Sentinel(ockerr.InvalidState)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// MissingDependencyError names the absent bundle-id/version pair, per
// spec.md §3's Kext Record dependency resolution.
type MissingDependencyError struct {
	BundleID string
	Version  string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("%s: dependency %q version >= %q not resident", MissingDependency, e.BundleID, e.Version)
}

func (e *MissingDependencyError) Is(target error) bool {
	return target == (*Error)(nil) || Sentinel(MissingDependency).Is(target)
}

// PatchError is returned by the patcher when a non-optional pattern does
// not match; it reports the offset window searched, per spec.md §7 ("patch
// failures additionally report offset-window searched") and per
// KextInject.c's CLI error reporting (see DESIGN.md).
type PatchError struct {
	Target string   // bundle-id or "__kernel__"
	Window [2]uint64 // [base, base+limit) actually searched
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("%s: no match for patch against %s in window [%#x, %#x)",
		PatchNotFound, e.Target, e.Window[0], e.Window[1])
}

func (e *PatchError) Is(target error) bool {
	return Sentinel(PatchNotFound).Is(target)
}

// DuplicateBundleIDError names the bundle-id that was already resident.
type DuplicateBundleIDError struct {
	BundleID string
}

func (e *DuplicateBundleIDError) Error() string {
	return fmt.Sprintf("%s: %q is already resident", DuplicateBundleId, e.BundleID)
}

func (e *DuplicateBundleIDError) Is(target error) bool {
	return Sentinel(DuplicateBundleId).Is(target)
}
