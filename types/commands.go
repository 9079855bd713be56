package types

// A LoadCmd is a Mach-O load command.
type LoadCmd uint32

const (
	LC_REQ_DYLD            LoadCmd = 0x80000000
	LC_SEGMENT_64          LoadCmd = 0x19 // 64-bit segment of this file to be mapped
	LC_SYMTAB              LoadCmd = 0x2  // link-edit stab symbol table info
	LC_DYSYMTAB            LoadCmd = 0xb  // dynamic link-edit symbol table info
	LC_UUID                LoadCmd = 0x1b // the uuid
	LC_DYLD_CHAINED_FIXUPS LoadCmd = (0x34 | LC_REQ_DYLD)
	LC_FILESET_ENTRY       LoadCmd = (0x35 | LC_REQ_DYLD)
)

// SegFlag are the flags field of a Segment64 command.
type SegFlag uint32

// SymtabCmd is the symbol table load command, LC_SYMTAB.
type SymtabCmd struct {
	LoadCmd // LC_SYMTAB
	Len     uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// DysymtabCmd is the dynamic symbol table load command, LC_DYSYMTAB.
type DysymtabCmd struct {
	LoadCmd        // LC_DYSYMTAB
	Len            uint32
	Ilocalsym      uint32
	Nlocalsym      uint32
	Iextdefsym     uint32
	Nextdefsym     uint32
	Iundefsym      uint32
	Nundefsym      uint32
	Tocoffset      uint32
	Ntoc           uint32
	Modtaboff      uint32
	Nmodtab        uint32
	Extrefsymoff   uint32
	Nextrefsyms    uint32
	Indirectsymoff uint32
	Nindirectsyms  uint32
	Extreloff      uint32
	Nextrel        uint32
	Locreloff      uint32
	Nlocrel        uint32
}
