// Package linker implements stage 3 of the loader pipeline: applying every
// chained fixup, re-protecting each segment to its declared permissions,
// installing thread-local descriptors, and running module initializers
// (§4.3).
package linker

import (
	"fmt"
	"unsafe"

	"github.com/blacktop/go-macho/internal/dl"
	"github.com/blacktop/go-macho/internal/loglite"
	"github.com/blacktop/go-macho/internal/tlv"
	"github.com/blacktop/go-macho/internal/trampoline"
	"github.com/blacktop/go-macho/internal/vmsys"
	"github.com/blacktop/go-macho/mapper"
	"github.com/blacktop/go-macho/parser"
	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/go-macho/ptrauth"
)

// Special bind ordinals (same encoding as the classic
// bind-opcode stream's BIND_SPECIAL_DYLIB_* constants, just compared here
// against the unsigned ordinal a DYLD_CHAINED_IMPORT entry carries).
const (
	bindSpecialSelf           = 0
	bindSpecialWeakLookup     = 253
	bindSpecialFlatLookup     = 254
	bindSpecialMainExecutable = 255
)

// BindError names a bind fixup that could not be resolved: an unsupported
// special ordinal, a strong symbol missing from its dependency, or a SELF
// ordinal whose name isn't in the image's own symbol table.
type BindError struct {
	Reason string
	Detail string
}

func (e *BindError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("linker: %s", e.Reason)
	}
	return fmt.Sprintf("linker: %s: %s", e.Reason, e.Detail)
}

// ProtectError names a failed re-protection call.
type ProtectError struct {
	Segment string
	Detail  string
}

func (e *ProtectError) Error() string {
	return fmt.Sprintf("linker: re-protect %s: %s", e.Segment, e.Detail)
}

// Image is the fully linked, ready-to-launch result of stage 3.
type Image struct {
	base      []byte
	startAddr uint64
}

// OffsetToVMAddr returns the absolute address within base corresponding to
// a file-relative offset.
func (img *Image) OffsetToVMAddr(offset uint64) uintptr {
	return uintptr(unsafe.Pointer(&img.base[offset]))
}

// EntryPointAddr is the absolute address the launcher transfers control to.
func (img *Image) EntryPointAddr() uintptr {
	return img.OffsetToVMAddr(img.startAddr)
}

// Link consumes a MappedImage, applying every fixup, re-protecting every
// segment twice, installing thread-locals if present, and calling every
// module initializer in declared order.
func Link(m *mapper.MappedImage) (*Image, error) {
	if err := applyFixups(m.Base, m.PageZeroSize, m.Fixups, m.Dependents, m.Symbols); err != nil {
		return nil, err
	}
	loglite.Info("relocations", "applied %d fixup(s)", len(m.Fixups))

	if err := segmentsProtect(m.Base, m.Segments); err != nil {
		return nil, err
	}

	if err := handleThreadLocals(m.ThreadLocals, m.Base, m.PageZeroSize); err != nil {
		return nil, err
	}

	if err := initFunctionsCall(m.InitFunctions, m.Base, m.PageZeroSize); err != nil {
		return nil, err
	}

	return &Image{base: m.Base, startAddr: m.EntryOffset + m.PageZeroSize}, nil
}

func applyFixups(base []byte, pageZeroSize uint64, fixups []fixupchains.Fixup, dependents []dl.Handle, symbols []parser.Symbol) error {
	for _, f := range fixups {
		dst := f.Offset + pageZeroSize
		if dst+8 > uint64(len(base)) {
			return &BindError{Reason: "fixup destination out of bounds", Detail: fmt.Sprintf("offset 0x%x", dst)}
		}

		switch f.Kind {
		case fixupchains.KindRebase:
			target := f.RebaseTarget + pageZeroSize
			if target >= uint64(len(base)) {
				return &BindError{Reason: "rebase target out of bounds", Detail: fmt.Sprintf("target 0x%x", target)}
			}
			value := uint64(uintptr(unsafe.Pointer(&base[target])))
			if f.RebaseIsAuth {
				value = ptrauth.Sign(ptrauth.Key(f.AuthKey), value, f.AuthDiversity, f.AuthAddrDiv)
			}
			writeUint64(base, dst, value)

		case fixupchains.KindBind:
			value, err := resolveBind(base, f, dependents, symbols)
			if err != nil {
				return err
			}
			if f.BindIsAuth {
				value = ptrauth.Sign(ptrauth.Key(f.AuthKey), value, f.AuthDiversity, f.AuthAddrDiv)
			}
			writeUint64(base, dst, value)
		}
	}
	return nil
}

// resolveBind returns the absolute value to write at the bind site, or an
// error if a strong bind can't be resolved. A weak bind whose symbol is
// absent (BindIsWeak against a dependency that doesn't define it, or
// ordinal WEAK_LOOKUP against a name absent from the local symbol table)
// resolves to zero instead of an error; a bad ordinal or malformed name
// is still an error.
func resolveBind(base []byte, f fixupchains.Fixup, dependents []dl.Handle, symbols []parser.Symbol) (uint64, error) {
	switch f.BindOrdinal {
	case bindSpecialSelf:
		// SELF resolves via the image's own symbol
		// table rather than treating it as unconditionally fatal.
		if impl, ok := findLocalSymbol(symbols, f.BindSymbol); ok {
			return localSymbolAddr(base, impl)
		}
		return 0, &BindError{Reason: "unsupported special ordinal", Detail: fmt.Sprintf("BIND_SPECIAL_DYLIB_SELF: %q not found in local symbol table", f.BindSymbol)}

	case bindSpecialMainExecutable:
		return 0, &BindError{Reason: "unsupported special ordinal", Detail: "BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE"}

	case bindSpecialFlatLookup:
		return 0, &BindError{Reason: "unsupported special ordinal", Detail: "BIND_SPECIAL_DYLIB_FLAT_LOOKUP"}

	case bindSpecialWeakLookup:
		if impl, ok := findLocalSymbol(symbols, f.BindSymbol); ok {
			return localSymbolAddr(base, impl)
		}
		return 0, nil // weak: absent local symbol is not an error

	default:
		if f.BindOrdinal < 1 || int(f.BindOrdinal) > len(dependents) {
			return 0, &BindError{Reason: "dependency ordinal out of range", Detail: fmt.Sprintf("ordinal %d, %d dependent(s)", f.BindOrdinal, len(dependents))}
		}
		cName, ok := stripLeadingUnderscore(f.BindSymbol)
		if !ok {
			return 0, &BindError{Reason: "malformed symbol name", Detail: fmt.Sprintf("%q is not underscore-prefixed", f.BindSymbol)}
		}

		handle := dependents[f.BindOrdinal-1]
		addr, err := dl.Sym(handle, cName)
		if err != nil {
			if f.BindIsWeak {
				return 0, nil
			}
			return 0, &BindError{Reason: "missing strong bind", Detail: err.Error()}
		}
		return uint64(uintptr(addr)), nil
	}
}

// localSymbolAddr returns the real runtime address of a local symbol's
// implementation, i.e. base + impl (no page_zero_size term: impl is already
// an absolute offset from the start of the mapped region, unlike a rebase
// target, which applyFixups shifts by page_zero_size).
func localSymbolAddr(base []byte, impl uint64) (uint64, error) {
	if impl >= uint64(len(base)) {
		return 0, &BindError{Reason: "local symbol out of bounds", Detail: fmt.Sprintf("impl_offset 0x%x", impl)}
	}
	return uint64(uintptr(unsafe.Pointer(&base[impl]))), nil
}

func findLocalSymbol(symbols []parser.Symbol, name string) (uint64, bool) {
	for _, sym := range symbols {
		if sym.Name == name && sym.Kind != parser.SymbolUndefined {
			return sym.ImplOffset, true
		}
	}
	return 0, false
}

func stripLeadingUnderscore(name string) (string, bool) {
	if len(name) == 0 || name[0] != '_' {
		return "", false
	}
	return name[1:], true
}

func segmentsProtect(base []byte, segments []parser.Segment) error {
	for _, seg := range segments {
		if seg.VMAddr+seg.VMSize > uint64(len(base)) {
			return &ProtectError{Segment: seg.Name, Detail: "segment exceeds mapped region"}
		}
		region := base[seg.VMAddr : seg.VMAddr+seg.VMSize]
		prot := int(seg.Prot)

		// set_maximum=false then set_maximum=true, matching the host's
		// two-call current/maximum protection model.
		for _, setMaximum := range [...]bool{false, true} {
			if err := vmsys.Protect(region, prot, setMaximum); err != nil {
				return &ProtectError{Segment: seg.Name, Detail: err.Error()}
			}
		}
	}
	return nil
}

func initFunctionsCall(offsets []uint64, base []byte, pageZeroSize uint64) error {
	for _, off := range offsets {
		addr := off + pageZeroSize
		if addr >= uint64(len(base)) {
			return &BindError{Reason: "initializer out of bounds", Detail: fmt.Sprintf("offset 0x%x", addr)}
		}
		loglite.Info("relocations", "calling module initializer @ 0x%x", addr)
		trampoline.Call(unsafe.Pointer(&base[addr]))
	}
	return nil
}

func handleThreadLocals(descriptors []parser.ThreadLocalDescriptor, base []byte, pageZeroSize uint64) error {
	if len(descriptors) == 0 {
		return nil
	}
	if pageZeroSize >= uint64(len(base)) {
		return &BindError{Reason: "thread-local install out of bounds", Detail: fmt.Sprintf("page_zero_size 0x%x", pageZeroSize)}
	}
	loglite.Info("relocations", "installing %d thread-local descriptor(s)", len(descriptors))
	tlv.Initialize(unsafe.Pointer(&base[pageZeroSize]))
	return nil
}

func writeUint64(base []byte, offset, value uint64) {
	for i := 0; i < 8; i++ {
		base[offset+uint64(i)] = byte(value >> (8 * uint(i)))
	}
}
