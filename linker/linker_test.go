package linker

import (
	"testing"
	"unsafe"

	"github.com/blacktop/go-macho/parser"
	"github.com/blacktop/go-macho/pkg/fixupchains"
)

func TestResolveBindWeakLookupFallsBackToZero(t *testing.T) {
	f := fixupchains.Fixup{Kind: fixupchains.KindBind, BindOrdinal: bindSpecialWeakLookup, BindSymbol: "_missing"}

	got, err := resolveBind(make([]byte, 16), f, nil, nil)
	if err != nil {
		t.Fatalf("resolveBind() error = %v, want nil (weak lookup miss is not an error)", err)
	}
	if got != 0 {
		t.Errorf("resolveBind() = %#x, want 0", got)
	}
}

func TestResolveBindWeakLookupResolvesLocalSymbol(t *testing.T) {
	base := make([]byte, 0x5000)
	const impl = 0x4000
	symbols := []parser.Symbol{{Name: "_foo", Kind: parser.SymbolRegularLocal, ImplOffset: impl}}
	f := fixupchains.Fixup{Kind: fixupchains.KindBind, BindOrdinal: bindSpecialWeakLookup, BindSymbol: "_foo"}

	got, err := resolveBind(base, f, nil, symbols)
	if err != nil {
		t.Fatalf("resolveBind() error = %v", err)
	}
	if want := uint64(uintptr(unsafe.Pointer(&base[impl]))); got != want {
		t.Errorf("resolveBind() = %#x, want %#x (base + impl_offset, no page_zero_size)", got, want)
	}
}

func TestResolveBindSelfFallsBackToErrorWhenMissing(t *testing.T) {
	f := fixupchains.Fixup{Kind: fixupchains.KindBind, BindOrdinal: bindSpecialSelf, BindSymbol: "_missing"}

	if _, err := resolveBind(make([]byte, 16), f, nil, nil); err == nil {
		t.Fatal("resolveBind() expected an error for SELF with no matching local symbol")
	}
}

func TestResolveBindMainExecutableIsFatal(t *testing.T) {
	f := fixupchains.Fixup{Kind: fixupchains.KindBind, BindOrdinal: bindSpecialMainExecutable, BindSymbol: "_foo"}

	if _, err := resolveBind(make([]byte, 16), f, nil, nil); err == nil {
		t.Fatal("resolveBind() expected an error for BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE")
	}
}

func TestResolveBindFlatLookupIsFatal(t *testing.T) {
	f := fixupchains.Fixup{Kind: fixupchains.KindBind, BindOrdinal: bindSpecialFlatLookup, BindSymbol: "_foo"}

	if _, err := resolveBind(make([]byte, 16), f, nil, nil); err == nil {
		t.Fatal("resolveBind() expected an error for BIND_SPECIAL_DYLIB_FLAT_LOOKUP")
	}
}

func TestResolveBindDependencyOrdinalOutOfRange(t *testing.T) {
	f := fixupchains.Fixup{Kind: fixupchains.KindBind, BindOrdinal: 1, BindSymbol: "_foo"}

	if _, err := resolveBind(make([]byte, 16), f, nil, nil); err == nil {
		t.Fatal("resolveBind() expected an error when no dependents are available for ordinal 1")
	}
}

func TestStripLeadingUnderscore(t *testing.T) {
	cases := []struct {
		name   string
		want   string
		wantOk bool
	}{
		{name: "_foo", want: "foo", wantOk: true},
		{name: "foo", want: "", wantOk: false},
		{name: "", want: "", wantOk: false},
	}
	for _, c := range cases {
		got, ok := stripLeadingUnderscore(c.name)
		if got != c.want || ok != c.wantOk {
			t.Errorf("stripLeadingUnderscore(%q) = (%q, %v), want (%q, %v)", c.name, got, ok, c.want, c.wantOk)
		}
	}
}

func TestSegmentsProtectRejectsOutOfBoundsSegment(t *testing.T) {
	base := make([]byte, 0x10)
	segments := []parser.Segment{{Name: "__TEXT", VMAddr: 0, VMSize: 0x1000}}

	if err := segmentsProtect(base, segments); err == nil {
		t.Fatal("segmentsProtect() expected an error for a segment exceeding the mapped region")
	}
}

func TestWriteUint64(t *testing.T) {
	base := make([]byte, 16)
	writeUint64(base, 4, 0x0102030405060708)

	want := []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	for i, w := range want {
		if base[4+i] != w {
			t.Errorf("base[%d] = %#x, want %#x", 4+i, base[4+i], w)
		}
	}
}
