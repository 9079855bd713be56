// Package ockernel implements the Prelinked Context (spec.md §4.E), the
// root object every other package in this module serves: it owns the
// working buffer a prelinked kernel or kernel collection is parsed into,
// the resident-kext catalog parsed out of its embedded plist, and the
// call sequence (context_init -> reserve_kext_size* -> inject_prepare ->
// (inject_kext | apply_patch | apply_quirk)* -> inject_complete) spec.md
// §5 describes.
//
// It plays the role the teacher library's macho.File plays
// (github.com/blacktop/go-macho file.go): the single object a caller
// opens, inspects, and finally completes, generalized from a read-only
// view over an io.ReaderAt into an owned, growable working buffer a
// caller mutates by injecting kexts and applying patches.
package ockernel

import (
	"bytes"

	"github.com/acidanthera/ockernlib/internal/byteview"
	"github.com/acidanthera/ockernlib/internal/envelope"
	"github.com/acidanthera/ockernlib/internal/kext"
	"github.com/acidanthera/ockernlib/internal/machobj"
	"github.com/acidanthera/ockernlib/internal/plist"
	"github.com/acidanthera/ockernlib/internal/quirks"
	"github.com/acidanthera/ockernlib/internal/resolver"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// PrelinkInfoReserveSize is the extra room reserved for the rewritten
// __PRELINK_INFO plist (new kexts' catalog entries grow the document by
// roughly this much before inject_complete re-measures it exactly).
const PrelinkInfoReserveSize = 5 * 1024 * 1024

const pageSize = 4096

// Mode distinguishes a classic prelinked kernel (kexts bound in place,
// spec.md §2's "Classic") from a kernel collection (kexts linked against
// chained fixups, spec.md §2's "KC"); see machobj.ChainedFixups.
type Mode int

const (
	ModeClassic Mode = iota
	ModeKernelCollection
)

func (m Mode) String() string {
	if m == ModeKernelCollection {
		return "KernelCollection"
	}
	return "Classic"
}

// state enforces the InvalidState ordering spec.md §5 names.
type state int

const (
	stateCreated state = iota
	statePrepared
	stateComplete
)

// Logger is the narrow interface the Prelinked Context logs non-fatal
// events through (a missing or unparsable Darwin Kernel Version sentinel
// during Init), matching the teacher's own
// preference for a minimal caller-supplied logger over embedding a
// concrete logging library in a parsing/linking core.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option configures a Context at construction time.
type Option func(*Context)

// WithLogger overrides the default no-op Logger.
func WithLogger(l Logger) Option {
	return func(c *Context) { c.logger = l }
}

// Context is the Prelinked Context: spec.md §3's working buffer, resident
// kext catalog, and cursors for the next free placement, bundled with the
// resolver/vtable state the kext linker needs across a whole injection
// sequence.
type Context struct {
	buf        []byte // capacity-length working buffer; never reallocated
	used       uint64 // length of the original (pre-injection) Mach-O content
	fileCursor uint64 // next free file offset for an appended kext executable
	virtualEnd uint64 // next free virtual address (page-aligned)

	mode   Mode
	outer  *machobj.Context
	digest [48]byte

	infoRoot  *plist.Node // the parsed __info plist's root dict
	infoArray *plist.Node // its _PrelinkInfoDictionary array

	universe        *resolver.Universe
	residentVtables *resolver.VtableMap
	contexts        map[string]*machobj.Context

	darwinVersion    uint32
	reservedExecSize uint64

	state  state
	logger Logger
}

// Open reads a prelinked kernel from r into a freshly allocated working
// buffer with reservation extra bytes of headroom (spec.md §4.B's
// envelope.Open, §4.E's context_init combined into one call).
func Open(r envelope.Reader, reservation int64, opts ...Option) (*Context, error) {
	buf, used, digest, err := envelope.Open(r, reservation)
	if err != nil {
		return nil, err
	}
	c, err := Init(buf, uint64(used), opts...)
	if err != nil {
		return nil, err
	}
	c.digest = digest
	return c, nil
}

// Init builds a Context directly from an already-decompressed working
// buffer whose first used bytes hold the Mach-O content, for callers that
// already have the envelope unwrapped (and for tests, which build a
// buffer by hand rather than feeding envelope.Open a compressed fixture).
func Init(buf []byte, used uint64, opts ...Option) (*Context, error) {
	c := &Context{
		buf:        buf,
		used:       used,
		fileCursor: used,
		logger:     nopLogger{},
		contexts:   make(map[string]*machobj.Context),
	}
	for _, o := range opts {
		o(c)
	}

	view, err := byteview.Over(c.buf).Slice(0, int(c.used))
	if err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "working buffer shorter than reported length: %v", err)
	}
	outer, err := machobj.Parse(view)
	if err != nil {
		return nil, err
	}
	c.outer = outer

	c.mode = ModeClassic
	if len(outer.FilesetEntries) > 0 || outer.Fixups != nil {
		c.mode = ModeKernelCollection
	}

	if err := c.loadCatalog(); err != nil {
		return nil, err
	}

	c.virtualEnd = computeVirtualEnd(outer)

	if v, verr := outer.DarwinVersionString(); verr == nil {
		if parsed, perr := quirks.ParseDarwinVersion(v); perr == nil {
			c.darwinVersion = parsed
		} else {
			c.logger.Printf("ockernel: could not parse Darwin version from %q: %v", v, perr)
		}
	} else {
		c.logger.Printf("ockernel: no Darwin Kernel Version sentinel found: %v", verr)
	}

	c.state = stateCreated
	return c, nil
}

// loadCatalog parses the embedded __PRELINK_INFO.__info plist, builds the
// resident Kext Record list (spec.md §4.E steps 3-4, plus the synthetic
// "__kernel__" record), and resolves the resident vtable map the kext
// linker binds candidates against.
func (c *Context) loadCatalog() error {
	infoSect := c.outer.SectionNamed("__PRELINK_INFO", "__info")
	if infoSect == nil {
		return ockerr.New(ockerr.InputMalformed, "no __PRELINK_INFO.__info section")
	}
	raw, err := c.outer.View.ReadAt(int(infoSect.Offset), int(infoSect.Size))
	if err != nil {
		return ockerr.New(ockerr.InputMalformed, "read __PRELINK_INFO.__info: %v", err)
	}
	if nul := bytes.IndexByte(raw, 0); nul >= 0 {
		raw = raw[:nul]
	}
	root, err := plist.Parse(bytes.NewReader(raw))
	if err != nil {
		return ockerr.New(ockerr.InputMalformed, "parse __info plist: %v", err)
	}
	c.infoRoot = root

	arr, ok := root.DictGet("_PrelinkInfoDictionary")
	if !ok || arr.Kind != plist.KindArray {
		return ockerr.New(ockerr.InputMalformed, "__info plist missing _PrelinkInfoDictionary array")
	}
	c.infoArray = arr

	resident := make([]*kext.Record, 0, len(arr.Items)+1)

	kernelRec := &kext.Record{
		Bundle:   kext.BundleInfo{ID: "__kernel__"},
		Resident: true,
		Status:   kext.StatusLinked,
		MachO:    c.outer,
	}
	resident = append(resident, kernelRec)
	c.contexts["__kernel__"] = c.outer

	for _, item := range arr.Items {
		rec, rctx, err := recordFromCatalogEntry(c.outer, item)
		if err != nil {
			return err
		}
		resident = append(resident, rec)
		if rctx != nil {
			c.contexts[rec.Bundle.ID] = rctx
		}
	}

	c.universe = resolver.NewUniverse(resident, c.contexts)

	kextCtxs := make([]*resolver.KextContext, 0, len(resident))
	for _, rec := range resident {
		if ctx, ok := c.contexts[rec.Bundle.ID]; ok && ctx.Symtab != nil {
			kextCtxs = append(kextCtxs, resolver.NewKextContext(rec.Bundle.ID, ctx))
		}
	}
	c.residentVtables = resolver.ResolveResidentVtables(c.universe, kextCtxs)
	return nil
}

func computeVirtualEnd(outer *machobj.Context) uint64 {
	var end uint64
	for _, seg := range outer.Segments {
		if e := seg.Addr + seg.Memsz; e > end {
			end = e
		}
	}
	return byteview.RoundUp(end, pageSize)
}

// recordFromCatalogEntry builds a Kext Record from one
// _PrelinkInfoDictionary dict, parsing its Mach-O sub-image (sliced out
// of outer's own view, so it aliases the same backing buffer) when the
// entry names an executable, per spec.md §4.E step 4 and §3's Kext Record
// shape.
func recordFromCatalogEntry(outer *machobj.Context, item *plist.Node) (*kext.Record, *machobj.Context, error) {
	if item.Kind != plist.KindDict {
		return nil, nil, ockerr.New(ockerr.InputMalformed, "_PrelinkInfoDictionary entry is not a dict")
	}
	str := func(key string) string {
		if n, ok := item.DictGet(key); ok {
			return n.StringValue()
		}
		return ""
	}

	bundle := kext.BundleInfo{
		ID:                str("CFBundleIdentifier"),
		Name:              str("CFBundleName"),
		Version:           str("CFBundleVersion"),
		CompatibleVersion: str("OSBundleCompatibleVersion"),
		Executable:        str("CFBundleExecutable"),
		BundlePath:        str("_PrelinkBundlePath"),
	}
	if bundle.ID == "" {
		return nil, nil, ockerr.New(ockerr.InputMalformed, "_PrelinkInfoDictionary entry missing CFBundleIdentifier")
	}
	if libs, ok := item.DictGet("OSBundleLibraries"); ok && libs.Kind == plist.KindDict {
		bundle.OSBundleLibraries = make(map[string]string, len(libs.Keys))
		for _, k := range libs.Keys {
			bundle.OSBundleLibraries[k] = libs.Values[k].StringValue()
		}
	}

	rec := &kext.Record{Bundle: bundle, Resident: true, Status: kext.StatusLinked}

	srcNode, hasSrc := item.DictGet("_PrelinkExecutableSourceAddr")
	sizeNode, hasSize := item.DictGet("_PrelinkExecutableSize")
	if !hasSrc || !hasSize {
		return rec, nil, nil // plist-only kext: no executable to parse
	}

	rec.SourceAddress = uint64(srcNode.IntegerValue())
	rec.Size = uint64(sizeNode.IntegerValue())
	rec.LoadAddress = rec.SourceAddress
	if loadNode, ok := item.DictGet("_PrelinkExecutableLoadAddr"); ok {
		rec.LoadAddress = uint64(loadNode.IntegerValue())
	}
	rec.Bundle.ExecutableLoadAddr = rec.LoadAddress

	off, ok := outer.VAToFileOffset(rec.SourceAddress)
	if !ok {
		return nil, nil, ockerr.New(ockerr.InputMalformed, "kext %q: source address %#x has no file mapping", bundle.ID, rec.SourceAddress)
	}
	sub, err := outer.View.Slice(int(off), int(rec.Size))
	if err != nil {
		return nil, nil, ockerr.New(ockerr.InputMalformed, "kext %q: executable range out of bounds: %v", bundle.ID, err)
	}
	subCtx, err := machobj.Parse(sub)
	if err != nil {
		return nil, nil, ockerr.New(ockerr.InputMalformed, "kext %q: parse executable: %v", bundle.ID, err)
	}
	rec.MachO = subCtx
	rec.SegmentOffset = off
	rec.SegmentSize = rec.Size
	return rec, subCtx, nil
}

// Mode reports whether the opened image is a classic prelinked kernel or
// a kernel collection.
func (c *Context) Mode() Mode { return c.mode }

// DarwinVersion returns the encoded kernel version (spec.md §6) detected
// during Init, or 0 if no sentinel was found.
func (c *Context) DarwinVersion() uint32 { return c.darwinVersion }

// Digest returns the SHA-384 of the envelope's inner Mach-O slice, as
// computed by Open (zero value if the Context was built via Init).
func (c *Context) Digest() [48]byte { return c.digest }

// Kext looks up a resident or injected kext's Record by bundle id.
func (c *Context) Kext(bundleID string) (*kext.Record, bool) {
	return c.universe.Get(bundleID)
}

// ResidentKexts returns every resident Kext Record, including the
// synthetic "__kernel__" entry, in unspecified order.
func (c *Context) ResidentKexts() []*kext.Record {
	return c.universe.All()
}

// ReserveKextSize computes the working-buffer headroom one candidate
// kext needs (spec.md §4.E's reservation formula): its executable
// rounded up to a page, plus (KC mode) the chained-fixup bookkeeping that
// executable's page span requires, plus catalog-entry plist overhead.
func (c *Context) ReserveKextSize(plistEntrySize, execSize int) uint64 {
	plistOverhead := uint64(plistEntrySize) + 1024
	execOverhead := byteview.RoundUp(uint64(execSize), pageSize)
	if c.mode == ModeKernelCollection {
		execOverhead += fixupChainReserve(execOverhead)
	}
	return plistOverhead + execOverhead
}

// fixupChainReserve approximates the dyld_chained_starts_in_segment plus
// page_start table size a KC-mode placement needs: a fixed header plus
// two bytes of page-start bookkeeping per 4KiB page the segment spans,
// mirroring KcGetSegmentFixupChainsSize's page-table sizing (spec.md
// §4.E's reservation note on kernel collections).
func fixupChainReserve(execSize uint64) uint64 {
	pages := execSize / pageSize
	if pages == 0 {
		pages = 1
	}
	return 32 + pages*2
}

// Prepare implements inject_prepare (spec.md §4.E step 5): it locks in
// the total reservation a subsequent sequence of InjectKext calls may
// consume and moves the Context into the state where injection and
// patching calls are accepted. It must be called exactly once, after
// context_init and before any InjectKext/ApplyPatch/ApplyQuirk call.
func (c *Context) Prepare(totalReservedExecSize uint64) error {
	if c.state != stateCreated {
		return ockerr.New(ockerr.InvalidState, "inject_prepare called out of sequence")
	}
	needed := c.fileCursor + totalReservedExecSize + PrelinkInfoReserveSize
	if needed > uint64(len(c.buf)) {
		return ockerr.New(ockerr.CapacityExceeded, "reservation %d exceeds working buffer capacity (%d available)", totalReservedExecSize, uint64(len(c.buf))-c.fileCursor)
	}
	c.reservedExecSize = totalReservedExecSize
	c.state = statePrepared
	return nil
}

// Complete implements inject_complete (spec.md §4.E step 7): it
// re-serializes the (possibly now larger) _PrelinkInfoDictionary back
// into the __PRELINK_INFO.__info section and returns the final
// used-length slice of the working buffer. No further InjectKext/
// ApplyPatch/ApplyQuirk call is accepted once Complete has run.
func (c *Context) Complete() ([]byte, error) {
	if c.state != statePrepared {
		return nil, ockerr.New(ockerr.InvalidState, "inject_complete called before inject_prepare or more than once")
	}

	serialized := plist.Serialize(c.infoRoot)
	infoSect := c.outer.SectionNamed("__PRELINK_INFO", "__info")
	if infoSect == nil {
		return nil, ockerr.New(ockerr.InputMalformed, "no __PRELINK_INFO.__info section to rewrite")
	}
	if uint64(len(serialized))+1 > uint64(infoSect.Size) {
		return nil, ockerr.New(ockerr.CapacityExceeded, "rewritten plist (%d bytes) exceeds __info section capacity (%d)", len(serialized), infoSect.Size)
	}
	region := make([]byte, infoSect.Size)
	copy(region, serialized)
	if err := c.outer.View.WriteAt(int(infoSect.Offset), region); err != nil {
		return nil, ockerr.New(ockerr.Overflow, "write rewritten plist: %v", err)
	}

	end := c.fileCursor
	if end < c.used {
		end = c.used
	}
	c.state = stateComplete
	return c.buf[:end], nil
}
