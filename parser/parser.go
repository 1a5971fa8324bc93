// Package parser implements stage 1 of the loader pipeline: turning raw
// Mach-O image bytes into a ParsedImage with every derived table populated
// (segments, symbols, dependencies, the entry offset, initializers,
// thread-local descriptors, and the fully decoded chained-fixup list).
package parser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho/internal/container"
	"github.com/blacktop/go-macho/internal/loglite"
	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/go-macho/types"
)

// ParseError names the failing step and offending detail, per the loader's
// error taxonomy: malformed header, wrong architecture, unsupported
// filetype, unknown pointer format, truncated chained-fixup payload, or an
// unsupported symbol-table combination.
type ParseError struct {
	Reason string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("parser: %s", e.Reason)
	}
	return fmt.Sprintf("parser: %s: %s", e.Reason, e.Detail)
}

// SymbolKind distinguishes how a symbol was classified during the symtab
// walk (§4.1, "Symbol classification").
type SymbolKind int

const (
	SymbolUndefined SymbolKind = iota
	SymbolRegularLocal
	SymbolRegularExport
	SymbolWeakDefExport
)

// Symbol is a named reference into or out of the image.
type Symbol struct {
	Name       string
	Kind       SymbolKind
	LibOrdinal uint8
	ImplOffset uint64
	Sect       uint8
	IsWeak     bool
	IsThumb    bool
	IsCold     bool
}

// Segment is a contiguous file-to-memory mapping unit.
type Segment struct {
	Name       string
	FileOffset uint64
	VMAddr     uint64
	VMSize     uint64
	Prot       types.VmProtection
}

// Dependency is one entry of the dependency list: the pathname embedded in
// the image and the file offset of that string (the runtime handle is
// filled in by the mapper).
type Dependency struct {
	Name   string
	Offset uint64
}

// ThreadLocalKind mirrors the four TLV section kinds the image may declare.
type ThreadLocalKind int

const (
	ThreadLocalVariable ThreadLocalKind = iota
	ThreadLocalRegular
	ThreadLocalZerofill
	ThreadLocalInitFunctionPointers
)

// ThreadLocalDescriptor is a (section_offset, kind) pair; only its presence
// matters to this stage, since the TLV installer is an external collaborator.
type ThreadLocalDescriptor struct {
	SectionOffset uint64
	Kind          ThreadLocalKind
}

// ParsedImage is the output of stage 1: every table the mapper and linker
// need, plus the original bytes (the mapper copies segment contents out of
// them).
type ParsedImage struct {
	Data         []byte
	Segments     []Segment
	Symbols      []Symbol
	Dependencies []Dependency
	EntryOffset  uint64
	Initializers []uint64
	ThreadLocals []ThreadLocalDescriptor
	Fixups       []fixupchains.Fixup
}

// Parse produces a ParsedImage from raw Mach-O bytes, unwrapping a fat
// archive to its first ARM64 slice if necessary.
func Parse(data []byte) (*ParsedImage, error) {
	if len(data) < 4 {
		return nil, &ParseError{Reason: "malformed header", Detail: "image shorter than a magic number"}
	}

	magic := types.Magic(binary.BigEndian.Uint32(data[0:4]))
	// Fat headers are always big-endian; a thin little-endian magic reads
	// back as Magic64's byte-swapped twin under BigEndian, so check both.
	leMagic := types.Magic(binary.LittleEndian.Uint32(data[0:4]))

	switch {
	case leMagic == types.Magic64:
		return parseThin(data)
	case magic == types.MagicFat:
		return parseFat(data)
	default:
		return nil, &ParseError{Reason: "wrong architecture", Detail: "not a 64-bit Mach-O or fat archive"}
	}
}

func parseFat(data []byte) (*ParsedImage, error) {
	if len(data) < 8 {
		return nil, &ParseError{Reason: "malformed header", Detail: "truncated fat header"}
	}
	narch := binary.BigEndian.Uint32(data[4:8])
	loglite.Info("parser", "iterating over %d architecture(s) in fat archive", narch)

	const fatHeaderSize = 8
	const fatArchSize = 20 // cpu_type + cpu_subtype + offset + size + align, all uint32

	for i := uint32(0); i < narch; i++ {
		archOff := fatHeaderSize + int(i)*fatArchSize
		if archOff+fatArchSize > len(data) {
			return nil, &ParseError{Reason: "malformed header", Detail: "truncated fat_arch table"}
		}
		cpu := types.CPU(binary.BigEndian.Uint32(data[archOff:]))
		offset := binary.BigEndian.Uint32(data[archOff+8:])
		size := binary.BigEndian.Uint32(data[archOff+12:])

		if cpu != types.CPUArm64 {
			continue
		}
		if uint64(offset)+uint64(size) > uint64(len(data)) {
			return nil, &ParseError{Reason: "malformed header", Detail: "fat_arch slice out of bounds"}
		}
		return parseThin(data[offset : offset+size])
	}

	return nil, &ParseError{Reason: "wrong architecture", Detail: "fat archive has no ARM64 slice"}
}

func parseThin(data []byte) (*ParsedImage, error) {
	c := container.New(data)

	hdr, err := container.ReadType[types.FileHeader](c, 0)
	if err != nil {
		return nil, &ParseError{Reason: "malformed header", Detail: err.Error()}
	}
	if hdr.Magic != types.Magic64 {
		return nil, &ParseError{Reason: "wrong architecture", Detail: "expected 64-bit little-endian Mach-O"}
	}
	if hdr.CPU != types.CPUArm64 {
		return nil, &ParseError{Reason: "wrong architecture", Detail: fmt.Sprintf("cputype %#x is not ARM64", uint32(hdr.CPU))}
	}
	if hdr.Type != types.MH_EXECUTE {
		return nil, &ParseError{Reason: "unsupported filetype", Detail: fmt.Sprintf("filetype %#x, want MH_EXECUTE", uint32(hdr.Type))}
	}

	p := &ParsedImage{Data: data}

	offset := 32 // sizeof(mach_header_64)
	loglite.Info("parser", "iterating over %d load command(s)", hdr.NCommands)

	for i := uint32(0); i < hdr.NCommands; i++ {
		cmd, err := c.ReadUint32(offset)
		if err != nil {
			return nil, &ParseError{Reason: "malformed header", Detail: err.Error()}
		}
		cmdsize, err := c.ReadUint32(offset + 4)
		if err != nil {
			return nil, &ParseError{Reason: "malformed header", Detail: err.Error()}
		}
		if cmdsize == 0 {
			return nil, &ParseError{Reason: "malformed header", Detail: "zero-sized load command"}
		}

		switch types.LoadCmd(cmd) {
		case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_LAZY_LOAD_DYLIB:
			if err := p.handleLoadDylib(c, offset); err != nil {
				return nil, err
			}
		case types.LC_MAIN:
			if err := p.handleMain(c, offset); err != nil {
				return nil, err
			}
		case types.LC_SEGMENT_64:
			if err := p.handleSegment64(c, offset); err != nil {
				return nil, err
			}
		case types.LC_SYMTAB:
			if err := p.handleSymtab(c, offset); err != nil {
				return nil, err
			}
		case types.LC_DYLD_CHAINED_FIXUPS:
			if err := p.handleChainedFixups(c, offset); err != nil {
				return nil, err
			}
		case types.LC_RPATH:
			// accepted and ignored: no @rpath search-path logic implemented (Q1)
		default:
			loglite.Warn("parser", "skipping unsupported load command %#x @ 0x%x (size %d)", cmd, offset, cmdsize)
		}

		offset += int(cmdsize)
	}

	return p, nil
}

func (p *ParsedImage) handleLoadDylib(c *container.Container, offset int) error {
	dylib, err := container.ReadType[types.DylibCmd](c, offset)
	if err != nil {
		return &ParseError{Reason: "malformed header", Detail: err.Error()}
	}
	nameOff := offset + int(dylib.Name)
	name, err := c.ReadStr(nameOff)
	if err != nil {
		return &ParseError{Reason: "malformed header", Detail: fmt.Sprintf("dylib name: %v", err)}
	}
	loglite.Info("parser", "dylib_command @ 0x%x: loading %q", offset, name)
	p.Dependencies = append(p.Dependencies, Dependency{Name: name, Offset: uint64(nameOff)})
	return nil
}

func (p *ParsedImage) handleMain(c *container.Container, offset int) error {
	main, err := container.ReadType[types.EntryPointCmd](c, offset)
	if err != nil {
		return &ParseError{Reason: "malformed header", Detail: err.Error()}
	}
	loglite.Info("parser", "entry_point_command @ 0x%x: entryoff 0x%x", offset, main.Offset)
	p.EntryOffset = main.Offset
	return nil
}

func (p *ParsedImage) handleSegment64(c *container.Container, offset int) error {
	seg, err := container.ReadType[types.Segment64](c, offset)
	if err != nil {
		return &ParseError{Reason: "malformed header", Detail: err.Error()}
	}
	name := cstr(seg.Name[:])

	loglite.Info("parser", "segment_command_64 (%s) @ 0x%x: vmaddr 0x%x, vmsize %d", name, seg.Offset, seg.VMAddr, seg.VMSize)

	if name == "__TEXT" || name == "__DATA" {
		if err := p.handleSections(c, offset, name, int(seg.Nsect)); err != nil {
			return err
		}
	}

	p.Segments = append(p.Segments, Segment{
		Name:       name,
		Prot:       seg.Prot,
		VMAddr:     seg.VMAddr,
		VMSize:     seg.VMSize,
		FileOffset: seg.Offset,
	})
	return nil
}

const segment64Size = 72 // LoadCmd(4) + Len(4) + Name(16) + VMAddr(8) + VMSize(8) + Offset(8) + Filesz(8) + Maxprot(4) + Prot(4) + Nsect(4) + Flag(4)
const section64Size = 80

func (p *ParsedImage) handleSections(c *container.Container, segOffset int, segName string, nsect int) error {
	for i := 0; i < nsect; i++ {
		sectOff := segOffset + segment64Size + i*section64Size
		sect, err := container.ReadType[types.Section64](c, sectOff)
		if err != nil {
			return &ParseError{Reason: "malformed header", Detail: err.Error()}
		}
		sectName := cstr(sect.Name[:])

		switch sect.Flags.Type() {
		case types.S_INIT_FUNC_OFFSETS:
			count := int(sect.Size / 4)
			offs, err := container.ReadArray[uint32](c, int(sect.Offset), count)
			if err != nil {
				return &ParseError{Reason: "malformed header", Detail: fmt.Sprintf("S_INIT_FUNC_OFFSETS (%s): %v", sectName, err)}
			}
			for _, o := range offs {
				loglite.Info("parser", "(%s/%s) S_INIT_FUNC_OFFSETS entry 0x%x", segName, sectName, o)
				p.Initializers = append(p.Initializers, uint64(o))
			}
		case types.S_THREAD_LOCAL_VARIABLES:
			loglite.Info("parser", "(%s/%s) S_THREAD_LOCAL_VARIABLES @ 0x%x", segName, sectName, sect.Offset)
			p.ThreadLocals = append(p.ThreadLocals, ThreadLocalDescriptor{
				SectionOffset: uint64(sect.Offset),
				Kind:          ThreadLocalVariable,
			})
		default:
			loglite.Warn("parser", "(%s/%s) unsupported section flags %#x @ 0x%x", segName, sectName, sect.Flags, sect.Offset)
		}
	}
	return nil
}

func (p *ParsedImage) handleSymtab(c *container.Container, offset int) error {
	symtab, err := container.ReadType[types.SymtabCmd](c, offset)
	if err != nil {
		return &ParseError{Reason: "malformed header", Detail: err.Error()}
	}

	nlistOffset := int(symtab.Symoff)
	for i := uint32(0); i < symtab.Nsyms; i++ {
		nl, err := container.ReadType[types.Nlist64](c, nlistOffset)
		if err != nil {
			return &ParseError{Reason: "malformed header", Detail: fmt.Sprintf("nlist_64 #%d: %v", i, err)}
		}
		nlistOffset += 16 // sizeof(nlist_64): uint32 + uint8 + uint8 + uint16 + uint64

		if !nl.Type.IsStab() {
			name, err := c.ReadStr(int(symtab.Stroff) + int(nl.Name))
			if err != nil {
				return &ParseError{Reason: "malformed header", Detail: fmt.Sprintf("symbol name #%d: %v", i, err)}
			}
			sym, err := classifySymbol(name, nl)
			if err != nil {
				return err
			}
			if sym != nil {
				p.Symbols = append(p.Symbols, *sym)
			}
		}
	}

	loglite.Info("parser", "symtab_command @ 0x%x, %d symbol(s)", offset, len(p.Symbols))
	return nil
}

func classifySymbol(name string, nl types.Nlist64) (*Symbol, error) {
	ext := nl.Type.IsExt()
	pext := nl.Type.IsPext()
	weakDef := nl.Desc&types.N_WEAK_DEF != 0
	weakRef := nl.Desc&types.N_WEAK_REF != 0
	altEntry := nl.Desc&types.N_ALT_ENTRY != 0
	resolver := nl.Desc&types.N_SYMBOL_RESOLVER != 0
	isThumb := nl.Desc&types.N_ARM_THUMB_DEF != 0
	isCold := nl.Desc&types.N_COLD_FUNC != 0

	// For undefined symbols the high byte of n_desc is the library ordinal,
	// so the alt-entry/resolver bits only apply to defined symbols.
	defined := nl.Type.Kind() == types.N_SECT
	if (defined && (altEntry || resolver)) || (weakDef && weakRef) {
		return nil, &ParseError{
			Reason: "unsupported symbol-table combination",
			Detail: fmt.Sprintf("symbol %q: alt_entry=%v resolver=%v weak_def&weak_ref=%v", name, altEntry, resolver, weakDef && weakRef),
		}
	}

	switch nl.Type.Kind() {
	case types.N_UNDF:
		if nl.Value != 0 {
			return nil, &ParseError{Reason: "unsupported symbol-table combination", Detail: fmt.Sprintf("symbol %q: N_UNDF with nonzero n_value", name)}
		}
		return &Symbol{
			Name:       name,
			Kind:       SymbolUndefined,
			LibOrdinal: nl.Desc.LibraryOrdinal(),
			IsWeak:     weakRef,
		}, nil

	case types.N_SECT:
		switch {
		case !ext && !pext:
			return &Symbol{Name: name, Kind: SymbolRegularLocal, ImplOffset: nl.Value, Sect: nl.Sect, IsThumb: isThumb, IsCold: isCold}, nil
		case !ext && pext:
			return &Symbol{Name: name, Kind: SymbolRegularExport, ImplOffset: nl.Value, Sect: nl.Sect, IsThumb: isThumb, IsCold: isCold}, nil
		case ext && weakDef && !weakRef:
			return &Symbol{Name: name, Kind: SymbolWeakDefExport, ImplOffset: nl.Value, Sect: nl.Sect, IsWeak: true, IsThumb: isThumb, IsCold: isCold}, nil
		case ext && !weakDef:
			return &Symbol{Name: name, Kind: SymbolRegularExport, ImplOffset: nl.Value, Sect: nl.Sect, IsThumb: isThumb, IsCold: isCold}, nil
		default:
			return nil, &ParseError{Reason: "unsupported symbol-table combination", Detail: fmt.Sprintf("symbol %q: ext=%v weak_def=%v weak_ref=%v", name, ext, weakDef, weakRef)}
		}

	default:
		loglite.Warn("parser", "unsupported n_type %#x for symbol %q", nl.Type.Kind(), name)
		return nil, nil
	}
}

func (p *ParsedImage) handleChainedFixups(c *container.Container, offset int) error {
	cmd, err := container.ReadType[types.LinkEditDataCmd](c, offset)
	if err != nil {
		return &ParseError{Reason: "malformed header", Detail: err.Error()}
	}

	fixups, err := fixupchains.Decode(c, cmd.Offset)
	if err != nil {
		var unsupported *fixupchains.UnsupportedFormatError
		if errors.As(err, &unsupported) {
			return &ParseError{Reason: "unknown pointer format", Detail: unsupported.Error()}
		}
		return &ParseError{Reason: "truncated chained-fixup payload", Detail: err.Error()}
	}

	loglite.Info("parser", "linkedit_data_command @ 0x%x, %d fixup(s)", offset, len(fixups))
	p.Fixups = fixups
	return nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
