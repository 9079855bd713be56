package types

// A CPU is a Mach-O cpu type.
type CPU uint32

const cpuArch64 = 0x01000000 // 64 bit ABI

const (
	CPU386   CPU = 7
	CPUAmd64 CPU = CPU386 | cpuArch64
)

// CPUSubtype is a Mach-O cpu subtype; only the x86_64 envelope this
// package's callers select carries a live value.
type CPUSubtype uint32
