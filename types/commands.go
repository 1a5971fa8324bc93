package types

//go:generate stringer -type=LoadCmd -output commands_string.go

// A LoadCmd is a Mach-O load command identifier, read from the first four
// bytes of every load command header.
type LoadCmd uint32

const (
	LC_REQ_DYLD LoadCmd = 0x80000000

	LC_SYMTAB              LoadCmd = 0x2                 // link-edit stab symbol table info
	LC_LOAD_DYLIB          LoadCmd = 0xc                 // load dylib command
	LC_RPATH               LoadCmd = (0x1c | LC_REQ_DYLD) // runpath additions
	LC_LOAD_WEAK_DYLIB     LoadCmd = (0x18 | LC_REQ_DYLD) // dylib allowed to be missing (weak import)
	LC_SEGMENT_64          LoadCmd = 0x19                // 64-bit segment of this file to be mapped
	LC_LAZY_LOAD_DYLIB     LoadCmd = 0x20                // delay load of dylib until first use
	LC_MAIN                LoadCmd = (0x28 | LC_REQ_DYLD) // entry point offset, replaces LC_UNIXTHREAD
	LC_DYLD_CHAINED_FIXUPS LoadCmd = (0x34 | LC_REQ_DYLD) // used with linkedit_data_command
)

// A Segment64 is a 64-bit Mach-O segment load command.
type Segment64 struct {
	LoadCmd              /* LC_SEGMENT_64 */
	Len     uint32       /* includes sizeof section_64 structs */
	Name    [16]byte     /* segment name */
	VMAddr  uint64       /* memory address of this segment */
	VMSize  uint64       /* memory size of this segment */
	Offset  uint64       /* file offset of this segment */
	Filesz  uint64       /* amount to map from the file */
	Maxprot VmProtection /* maximum VM protection */
	Prot    VmProtection /* initial VM protection */
	Nsect   uint32       /* number of sections in segment */
	Flag    uint32       /* flags */
}

// A SymtabCmd is a Mach-O symbol table command.
type SymtabCmd struct {
	LoadCmd // LC_SYMTAB
	Len     uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// A DylibCmd is a Mach-O load dynamic library command.
// LC_ID_DYLIB, LC_LOAD_{,WEAK_}DYLIB, LC_REEXPORT_DYLIB
type DylibCmd struct {
	LoadCmd        // LC_LOAD_DYLIB
	Len            uint32
	Name           uint32
	Time           uint32
	CurrentVersion Version
	CompatVersion  Version
}

// A LinkEditDataCmd is a Mach-O linkedit data command: a pointer to a blob
// of link-edit data identified only by its enclosing load command's kind.
type LinkEditDataCmd struct {
	LoadCmd
	Len    uint32
	Offset uint32
	Size   uint32
}

// A EntryPointCmd is a Mach-O main command.
type EntryPointCmd struct {
	LoadCmd          // LC_MAIN only used in MH_EXECUTE filetypes
	Len       uint32 // 24
	Offset    uint64 // file (__TEXT) offset of main()
	StackSize uint64 // if not zero, initial stack size
}
