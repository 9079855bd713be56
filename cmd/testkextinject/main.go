// Command testkextinject is the CLI surface spec.md §6 names: a thin
// driver that exercises the whole injection/patch/quirk pipeline end to
// end against a real prelinked kernel file, grounded directly on
// Utilities/TestKextInject/KextInject.c's argv shape and reporting style
// ("[OK]"/"[FAIL]" lines, a final out.bin).
//
//	testkextinject <prelinked-file> [<executable-or-'n'> <info-plist>]*
//
// Exit 0 on full success, non-zero if any sub-operation failed.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	goplist "github.com/blacktop/go-plist"

	"github.com/acidanthera/ockernlib"
	"github.com/acidanthera/ockernlib/internal/kext"
	"github.com/acidanthera/ockernlib/internal/quirks"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// memSource is the minimal envelope.Reader spec.md §6 requires, backed by
// a fully buffered file (this CLI is a test harness, not a bootloader
// with a streaming file-read callback).
type memSource struct{ b []byte }

func (m memSource) Size() int64 { return int64(len(m.b)) }
func (m memSource) ReadAt(off int64, buf []byte) (int, error) {
	if off < 0 || off > int64(len(m.b)) {
		return 0, fmt.Errorf("memSource: offset %d out of range", off)
	}
	n := copy(buf, m.b[off:])
	return n, nil
}

// pending is one argv[argi+1]/argv[argi+2] pair, decoded up front so its
// sizes feed the reservation pass before Open and its bundle feeds
// InjectKext after.
type pending struct {
	path   string
	exec   []byte
	bundle kext.BundleInfo
}

var failed bool

func report(ok bool, format string, args ...any) {
	prefix := "[OK] "
	if !ok {
		prefix = "[FAIL] "
		failed = true
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: testkextinject <prelinked-file> [<executable-or-'n'> <info-plist>]*")
		os.Exit(1)
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		report(false, "read %s: %v", os.Args[1], err)
		os.Exit(1)
	}

	pendings, ok := readPendingArgs(os.Args[2:])
	if !ok {
		os.Exit(1)
	}

	// The plist-only seed kext injected below is reserved for here too.
	reservation := int64(ockernel.PrelinkInfoReserveSize) + 256 + 1024
	for _, p := range pendings {
		reservation += int64(len(p.bundle.ID)) + 1024 + alignUp(int64(len(p.exec)), 4096) + 4096
	}

	ctx, err := ockernel.Open(memSource{raw}, reservation)
	if err != nil {
		report(false, "context_init: %v", err)
		os.Exit(1)
	}
	report(true, "context_init (%s mode, kernel version %d)", ctx.Mode(), ctx.DarwinVersion())

	var totalExec uint64
	for _, p := range pendings {
		totalExec += ctx.ReserveKextSize(len(p.bundle.ID)+256, len(p.exec))
	}
	// The built-in plist-only seed kext (below) needs headroom too, even
	// though it carries no executable.
	totalExec += ctx.ReserveKextSize(256, 0)

	if err := ctx.Prepare(totalExec); err != nil {
		report(false, "inject_prepare: %v", err)
		os.Exit(1)
	}
	report(true, "inject_prepare")

	seed := kext.BundleInfo{
		ID:                "as.vit9696.TestDriver",
		Name:              "CPUFriendDataProvider",
		Version:           "1.0.0",
		CompatibleVersion: "1.0.0",
		PackageType:       "KEXT",
		OSKernelResource:  false,
	}
	if err := ctx.InjectKext(ockernel.PendingKext{Bundle: seed}); err != nil {
		report(false, "inject %s: %v", seed.ID, err)
	} else {
		report(true, "%s injected", seed.ID)
	}

	for i, p := range pendings {
		p.bundle.BundlePath = fmt.Sprintf("/Library/Extensions/Kex%d.kext", i)
		if len(p.exec) > 0 && p.bundle.Executable == "" {
			p.bundle.Executable = "Kext"
		}
		err := ctx.InjectKext(ockernel.PendingKext{Bundle: p.bundle, Executable: p.exec})
		if err != nil {
			report(false, "%s injected", p.path)
		} else {
			report(true, "%s injected", p.path)
		}
	}

	catalog := quirks.Default()
	for _, name := range catalog.Names() {
		n, err := ctx.ApplyQuirk(catalog, name)
		switch {
		case err == nil:
			report(true, "quirk %s (%d replacements)", name, n)
		case isUnsupportedVersion(err):
			fmt.Fprintf(os.Stderr, "[SKIP] quirk %s: %v\n", name, err)
		default:
			report(false, "quirk %s: %v", name, err)
		}
	}

	out, err := ctx.Complete()
	if err != nil {
		report(false, "inject_complete: %v", err)
		os.Exit(1)
	}
	report(true, "inject_complete")

	if err := os.WriteFile("out.bin", out, 0o644); err != nil {
		report(false, "write out.bin: %v", err)
	}

	if failed {
		os.Exit(1)
	}
}

// readPendingArgs decodes argv[2:] in (executable-or-'n', info-plist)
// pairs, per spec.md §6's CLI surface.
func readPendingArgs(args []string) ([]pending, bool) {
	var out []pending
	ok := true
	for i := 0; i+1 < len(args); i += 2 {
		execPath, plistPath := args[i], args[i+1]

		var execBytes []byte
		if execPath != "n" {
			b, err := os.ReadFile(execPath)
			if err != nil {
				report(false, "read executable %s: %v", execPath, err)
				ok = false
				continue
			}
			execBytes = b
		}

		plistBytes, err := os.ReadFile(plistPath)
		if err != nil {
			report(false, "read plist %s: %v", plistPath, err)
			ok = false
			continue
		}
		var bundle kext.BundleInfo
		dec := goplist.NewDecoder(bytes.NewReader(bytes.TrimRight(plistBytes, "\x00")))
		if err := dec.Decode(&bundle); err != nil {
			report(false, "parse plist %s: %v", plistPath, err)
			ok = false
			continue
		}
		out = append(out, pending{path: execPath, exec: execBytes, bundle: bundle})
	}
	return out, ok
}

func alignUp(x, align int64) int64 { return (x + align - 1) &^ (align - 1) }

func isUnsupportedVersion(err error) bool {
	var oe *ockerr.Error
	return errors.As(err, &oe) && oe.Kind == ockerr.UnsupportedKernelVersion
}
