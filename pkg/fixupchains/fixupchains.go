// Package fixupchains decodes the LC_DYLD_CHAINED_FIXUPS payload of an arm64
// Mach-O image: the page-walked, stride-encoded linked list of rebase and
// bind pointers that replaces the legacy bind/rebase opcode streams.
//
// The bitfield layouts are the teacher's (blacktop/go-macho's
// types.DyldChainedPtr64Rebase and friends); the walk itself targets the
// narrower set of pointer formats this loader actually needs to support.
package fixupchains

import (
	"fmt"

	"github.com/blacktop/go-macho/internal/container"
	"github.com/blacktop/go-macho/types"
)

// Kind distinguishes a rebase fixup from a bind fixup.
type Kind int

const (
	KindRebase Kind = iota
	KindBind
)

// Fixup is one decoded chained-fixup location: a byte offset within the
// image (relative to file offset 0) and either a rebase target or a bind
// description.
type Fixup struct {
	Offset uint64
	Kind   Kind

	// valid when Kind == KindRebase
	RebaseTarget uint64
	RebaseIsAuth bool

	// valid when Kind == KindBind
	BindOrdinal int64
	BindSymbol  string
	BindAddend  int64
	BindIsAuth  bool
	BindIsWeak  bool // DYLD_CHAINED_IMPORT's weak_import bit: a missing symbol is not fatal

	// valid when BindIsAuth or RebaseIsAuth
	AuthKey       uint64
	AuthDiversity uint64
	AuthAddrDiv   bool
}

// UnsupportedFormatError is returned when a page's pointer_format is not one
// this loader's target ever emits (it only needs the two generic 64-bit
// formats and the three arm64e variants; dyld shared-cache and 32-bit
// formats are out of scope).
type UnsupportedFormatError struct {
	Format types.DCPtrKind
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("fixupchains: unsupported pointer format %#x", uint16(e.Format))
}

// Decode walks every page of every segment's chained-fixup starts info and
// returns every rebase/bind fixup found, in on-disk order. c must hold the
// entire thin image, and linkeditOffset is the LC_DYLD_CHAINED_FIXUPS
// command's dataoff field (relative to the start of c).
func Decode(c *container.Container, linkeditOffset uint32) ([]Fixup, error) {
	hdr, err := container.ReadType[types.DyldChainedFixupsHeader](c, int(linkeditOffset))
	if err != nil {
		return nil, fmt.Errorf("fixupchains: read header: %w", err)
	}

	startsOff := int(linkeditOffset) + int(hdr.StartsOffset)
	imageStarts, err := container.ReadType[types.DyldChainedStartsInImage](c, startsOff)
	if err != nil {
		return nil, fmt.Errorf("fixupchains: read starts-in-image: %w", err)
	}

	segOffsets, err := container.ReadArray[uint32](c, startsOff+4, int(imageStarts.SegCount))
	if err != nil {
		return nil, fmt.Errorf("fixupchains: read segment offset table: %w", err)
	}

	importsOff := int(linkeditOffset) + int(hdr.ImportsOffset)
	symbolsOff := int(linkeditOffset) + int(hdr.SymbolsOffset)

	var fixups []Fixup
	for _, segOffset := range segOffsets {
		if segOffset == 0 {
			continue // segment carries no chained fixups
		}

		segStartsOff := startsOff + int(segOffset)
		starts, err := container.ReadType[types.DyldChainedStartsInSegment](c, segStartsOff)
		if err != nil {
			return nil, fmt.Errorf("fixupchains: read starts-in-segment: %w", err)
		}

		const pageStartsOffset = 22 // sizeof(DyldChainedStartsInSegment), where the uint16 page_start[] array begins
		pageStarts, err := container.ReadArray[uint16](c, segStartsOff+pageStartsOffset, int(starts.PageCount))
		if err != nil {
			return nil, fmt.Errorf("fixupchains: read page starts: %w", err)
		}

		for pageIndex, pageStart := range pageStarts {
			if types.DCPtrStart(pageStart) == types.DYLD_CHAINED_PTR_START_NONE {
				continue
			}

			chainOffset := int(starts.SegmentOffset) + pageIndex*int(starts.PageSize) + int(pageStart)
			for {
				raw, err := c.ReadUint64(chainOffset)
				if err != nil {
					return nil, fmt.Errorf("fixupchains: read fixup @ 0x%x: %w", chainOffset, err)
				}

				fixup, next, err := decodeOne(c, starts.PointerFormat, raw, uint64(chainOffset), hdr.ImportsFormat, uint64(importsOff), uint64(symbolsOff))
				if err != nil {
					return nil, err
				}
				fixups = append(fixups, fixup)

				if next == 0 {
					break
				}
				chainOffset += int(next)
			}
		}
	}

	return fixups, nil
}

func decodeOne(c *container.Container, format types.DCPtrKind, raw uint64, offset uint64, importsFormat types.DCImportsFormat, importsOff, symbolsOff uint64) (Fixup, uint64, error) {
	switch format {
	case types.DYLD_CHAINED_PTR_64, types.DYLD_CHAINED_PTR_64_OFFSET:
		if types.Generic64IsBind(raw) {
			bind := types.DyldChainedPtr64Bind(raw)
			ordinal, symbol, weak, err := readImportSymbol(c, uint32(bind.Ordinal()), importsFormat, importsOff, symbolsOff)
			if err != nil {
				return Fixup{}, 0, err
			}
			return Fixup{
				Offset:      offset,
				Kind:        KindBind,
				BindOrdinal: ordinal,
				BindSymbol:  symbol,
				BindAddend:  int64(bind.Addend()),
				BindIsWeak:  weak,
			}, bind.Next() * 4, nil
		}
		rebase := types.DyldChainedPtr64Rebase(raw)
		target := rebase.Target() | (rebase.High8() << 56)
		return Fixup{Offset: offset, Kind: KindRebase, RebaseTarget: target}, rebase.Next() * 4, nil

	case types.DYLD_CHAINED_PTR_ARM64E, types.DYLD_CHAINED_PTR_ARM64E_USERLAND:
		return decodeArm64e(c, raw, offset, importsFormat, importsOff, symbolsOff)

	case types.DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		bind := types.DcpArm64eIsBind(raw)
		auth := types.DcpArm64eIsAuth(raw)
		if !bind {
			return decodeArm64e(c, raw, offset, importsFormat, importsOff, symbolsOff)
		}
		if auth {
			b := types.DyldChainedPtrArm64eAuthBind24(raw)
			ordinal, symbol, weak, err := readImportSymbol(c, uint32(b.Ordinal()), importsFormat, importsOff, symbolsOff)
			if err != nil {
				return Fixup{}, 0, err
			}
			return Fixup{
				Offset: offset, Kind: KindBind, BindOrdinal: ordinal, BindSymbol: symbol, BindIsAuth: true, BindIsWeak: weak,
				AuthKey: b.Key(), AuthDiversity: b.Diversity(), AuthAddrDiv: b.AddrDiv() == 1,
			}, b.Next() * 8, nil
		}
		b := types.DyldChainedPtrArm64eBind24(raw)
		ordinal, symbol, weak, err := readImportSymbol(c, uint32(b.Ordinal()), importsFormat, importsOff, symbolsOff)
		if err != nil {
			return Fixup{}, 0, err
		}
		return Fixup{Offset: offset, Kind: KindBind, BindOrdinal: ordinal, BindSymbol: symbol, BindAddend: int64(b.SignExtendedAddend()), BindIsWeak: weak}, b.Next() * 8, nil

	default:
		return Fixup{}, 0, &UnsupportedFormatError{Format: format}
	}
}

func decodeArm64e(c *container.Container, raw uint64, offset uint64, importsFormat types.DCImportsFormat, importsOff, symbolsOff uint64) (Fixup, uint64, error) {
	bind := types.DcpArm64eIsBind(raw)
	auth := types.DcpArm64eIsAuth(raw)

	switch {
	case bind && auth:
		b := types.DyldChainedPtrArm64eAuthBind(raw)
		ordinal, symbol, weak, err := readImportSymbol(c, uint32(b.Ordinal()), importsFormat, importsOff, symbolsOff)
		if err != nil {
			return Fixup{}, 0, err
		}
		return Fixup{
			Offset: offset, Kind: KindBind, BindOrdinal: ordinal, BindSymbol: symbol, BindIsAuth: true, BindIsWeak: weak,
			AuthKey: b.Key(), AuthDiversity: b.Diversity(), AuthAddrDiv: b.AddrDiv() == 1,
		}, b.Next() * 8, nil
	case bind && !auth:
		b := types.DyldChainedPtrArm64eBind(raw)
		ordinal, symbol, weak, err := readImportSymbol(c, uint32(b.Ordinal()), importsFormat, importsOff, symbolsOff)
		if err != nil {
			return Fixup{}, 0, err
		}
		return Fixup{Offset: offset, Kind: KindBind, BindOrdinal: ordinal, BindSymbol: symbol, BindAddend: int64(b.SignExtendedAddend()), BindIsWeak: weak}, b.Next() * 8, nil
	case !bind && auth:
		r := types.DyldChainedPtrArm64eAuthRebase(raw)
		return Fixup{
			Offset: offset, Kind: KindRebase, RebaseTarget: uint64(r.Offset()), RebaseIsAuth: true,
			AuthKey: r.Key(), AuthDiversity: r.Diversity(), AuthAddrDiv: r.AddrDiv() == 1,
		}, r.Next() * 8, nil
	default:
		r := types.DyldChainedPtrArm64eRebase(raw)
		target := r.Target() | (r.High8() << 56)
		return Fixup{Offset: offset, Kind: KindRebase, RebaseTarget: target}, r.Next() * 8, nil
	}
}

// readImportSymbol resolves a chained-import ordinal to (library ordinal,
// symbol name, weak_import), honoring all three DYLD_CHAINED_IMPORT* table
// formats.
func readImportSymbol(c *container.Container, ordinal uint32, format types.DCImportsFormat, importsOff, symbolsOff uint64) (int64, string, bool, error) {
	var libOrdinal int64
	var nameOffset uint64
	var weak bool

	switch format {
	case types.DC_IMPORT:
		imp, err := container.ReadType[types.DyldChainedImport](c, int(importsOff)+int(ordinal)*4)
		if err != nil {
			return 0, "", false, fmt.Errorf("fixupchains: read import entry: %w", err)
		}
		libOrdinal = int64(imp.LibOrdinal())
		nameOffset = uint64(imp.NameOffset())
		weak = imp.WeakImport()
	case types.DC_IMPORT_ADDEND:
		imp, err := container.ReadType[types.DyldChainedImportAddend](c, int(importsOff)+int(ordinal)*8)
		if err != nil {
			return 0, "", false, fmt.Errorf("fixupchains: read import-addend entry: %w", err)
		}
		libOrdinal = int64(imp.Import.LibOrdinal())
		nameOffset = uint64(imp.Import.NameOffset())
		weak = imp.Import.WeakImport()
	case types.DC_IMPORT_ADDEND64:
		imp, err := container.ReadType[types.DyldChainedImportAddend64](c, int(importsOff)+int(ordinal)*16)
		if err != nil {
			return 0, "", false, fmt.Errorf("fixupchains: read import-addend64 entry: %w", err)
		}
		libOrdinal = int64(imp.Import.LibOrdinal())
		nameOffset = imp.Import.NameOffset()
		weak = imp.Import.WeakImport()
	default:
		return 0, "", false, fmt.Errorf("fixupchains: unsupported imports format %d", format)
	}

	name, err := c.ReadStr(int(symbolsOff + nameOffset))
	if err != nil {
		return 0, "", false, fmt.Errorf("fixupchains: read import name: %w", err)
	}
	return libOrdinal, name, weak, nil
}
