package fixupchains

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/blacktop/go-macho/internal/container"
)

// buildSyntheticChainedFixups lays out a minimal, hand-built
// LC_DYLD_CHAINED_FIXUPS payload: one segment, one page, a two-entry chain
// (a bind through a DYLD_CHAINED_IMPORT entry followed by a plain rebase),
// all using the DYLD_CHAINED_PTR_ARM64E_USERLAND pointer format.
func buildSyntheticChainedFixups() []byte {
	buf := make([]byte, 256)
	le := binary.LittleEndian

	const (
		startsOff  = 28
		importsOff = 64
		symbolsOff = 80
		chainOff   = 200
	)

	// dyld_chained_fixups_header
	le.PutUint32(buf[0:], 0)          // FixupsVersion
	le.PutUint32(buf[4:], startsOff)  // StartsOffset
	le.PutUint32(buf[8:], importsOff) // ImportsOffset
	le.PutUint32(buf[12:], symbolsOff) // SymbolsOffset
	le.PutUint32(buf[16:], 1)         // ImportsCount
	le.PutUint32(buf[20:], 1)         // ImportsFormat = DC_IMPORT
	le.PutUint32(buf[24:], 0)         // SymbolsFormat = uncompressed

	// dyld_chained_starts_in_image
	le.PutUint32(buf[startsOff:], 1) // SegCount
	le.PutUint32(buf[startsOff+4:], 12) // seg_info_offset[0], relative to startsOff
	le.PutUint32(buf[startsOff+8:], 0)  // padding before the starts-in-segment record

	// dyld_chained_starts_in_segment @ startsOff+12
	segStarts := startsOff + 12
	le.PutUint32(buf[segStarts:], 22)       // Size
	le.PutUint16(buf[segStarts+4:], 0x1000) // PageSize
	le.PutUint16(buf[segStarts+6:], 9)      // PointerFormat = DYLD_CHAINED_PTR_ARM64E_USERLAND
	le.PutUint64(buf[segStarts+8:], chainOff)
	le.PutUint32(buf[segStarts+16:], 0) // MaxValidPointer
	le.PutUint16(buf[segStarts+20:], 1) // PageCount
	le.PutUint16(buf[segStarts+22:], 0) // page_start[0] = 0

	// dyld_chained_import @ importsOff: lib ordinal 2, name offset 0
	le.PutUint32(buf[importsOff:], 2)

	copy(buf[symbolsOff:], "_foo\x00")

	// chain entry 1: arm64e bind, ordinal 0 (into imports table), next=1 (stride 8)
	bind := uint64(1<<62) | uint64(1<<51)
	le.PutUint64(buf[chainOff:], bind)

	// chain entry 2: arm64e rebase, target 0x2000, next=0 (chain end)
	le.PutUint64(buf[chainOff+8:], 0x2000)

	return buf
}

func TestDecode(t *testing.T) {
	c := container.New(buildSyntheticChainedFixups())

	got, err := Decode(c, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	want := []Fixup{
		{Offset: 200, Kind: KindBind, BindOrdinal: 2, BindSymbol: "_foo"},
		{Offset: 208, Kind: KindRebase, RebaseTarget: 0x2000},
	}

	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeIsIdempotent(t *testing.T) {
	// Decoding the same bytes twice must produce identical results: the
	// decoder carries no mutable state across calls.
	c := container.New(buildSyntheticChainedFixups())

	first, err := Decode(c, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	second, err := Decode(c, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Decode() is not idempotent (-first +second):\n%s", diff)
	}
}

func TestDecodeUnsupportedFormat(t *testing.T) {
	buf := buildSyntheticChainedFixups()
	// Overwrite PointerFormat with a kernel-cache format this loader
	// never needs to understand.
	binary.LittleEndian.PutUint16(buf[28+12+6:], 8) // DYLD_CHAINED_PTR_64_KERNEL_CACHE

	_, err := Decode(container.New(buf), 0)
	if err == nil {
		t.Fatal("Decode() expected an error for an unsupported pointer format")
	}

	var unsupported *UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Errorf("Decode() error = %v, want *UnsupportedFormatError", err)
	}
}
