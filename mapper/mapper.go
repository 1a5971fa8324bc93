// Package mapper implements stage 2 of the loader pipeline: reserving a
// single region of address space sized to fit every segment, copying each
// segment's file contents into place, and eagerly dlopen-ing every
// dependency (§4.2).
package mapper

import (
	"fmt"
	"math"

	"github.com/blacktop/go-macho/internal/dl"
	"github.com/blacktop/go-macho/internal/loglite"
	"github.com/blacktop/go-macho/internal/vmsys"
	"github.com/blacktop/go-macho/parser"
	"github.com/blacktop/go-macho/pkg/fixupchains"
)

// MappingError names the failing step of address-space setup or
// dependency resolution; both are fatal per the loader's error taxonomy.
type MappingError struct {
	Reason string
	Detail string
}

func (e *MappingError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("mapper: %s", e.Reason)
	}
	return fmt.Sprintf("mapper: %s: %s", e.Reason, e.Detail)
}

// MappedImage is the output of stage 2: a single contiguous region holding
// every segment at its intended relative address, plus everything the
// linker needs that stage 1 already produced.
type MappedImage struct {
	Base          []byte
	Dependents    []dl.Handle
	Symbols       []parser.Symbol
	EntryOffset   uint64
	PageZeroSize  uint64
	Fixups        []fixupchains.Fixup
	InitFunctions []uint64
	ThreadLocals  []parser.ThreadLocalDescriptor
	Segments      []parser.Segment
}

// Map consumes a ParsedImage, producing a MappedImage. Per invariant I5 the
// ParsedImage's raw Data is not retained beyond this call — everything
// needed downstream has been copied into Base or carried over by value.
func Map(p *parser.ParsedImage) (*MappedImage, error) {
	if len(p.Segments) == 0 {
		return nil, &MappingError{Reason: "no segments to map"}
	}

	base, err := addressSpaceInit(p.Data, p.Segments)
	if err != nil {
		return nil, err
	}

	dependents, err := dependentsInit(p.Dependencies)
	if err != nil {
		return nil, err
	}

	return &MappedImage{
		Base:          base,
		Dependents:    dependents,
		Symbols:       p.Symbols,
		EntryOffset:   p.EntryOffset,
		PageZeroSize:  p.Segments[0].VMSize,
		Fixups:        p.Fixups,
		InitFunctions: p.Initializers,
		ThreadLocals:  p.ThreadLocals,
		Segments:      p.Segments,
	}, nil
}

func addressSpaceBounds(segments []parser.Segment) (minAddr, size uint64) {
	minAddr = math.MaxUint64
	var maxAddr uint64
	for _, seg := range segments {
		if seg.VMAddr < minAddr {
			minAddr = seg.VMAddr
		}
		if end := seg.VMAddr + seg.VMSize; end > maxAddr {
			maxAddr = end
		}
	}
	return minAddr, maxAddr - minAddr
}

func addressSpaceInit(image []byte, segments []parser.Segment) ([]byte, error) {
	minAddr, vmSize := addressSpaceBounds(segments)
	if vmSize > math.MaxInt32 {
		return nil, &MappingError{Reason: "address space too large", Detail: fmt.Sprintf("%d byte(s)", vmSize)}
	}

	mem, err := vmsys.Alloc(int(vmSize))
	if err != nil {
		return nil, &MappingError{Reason: "vm allocation failed", Detail: err.Error()}
	}
	loglite.Info("vm-mapping", "allocated %d byte(s) of vm", vmSize)

	for _, seg := range segments {
		dstOff := seg.VMAddr - minAddr
		if dstOff+seg.VMSize > uint64(len(mem)) {
			return nil, &MappingError{Reason: "segment out of bounds", Detail: fmt.Sprintf("%s: dst [0x%x:0x%x] exceeds region of %d byte(s)", seg.Name, dstOff, dstOff+seg.VMSize, len(mem))}
		}
		if seg.FileOffset > uint64(len(image)) {
			return nil, &MappingError{Reason: "segment out of bounds", Detail: fmt.Sprintf("%s: file offset 0x%x exceeds image of %d byte(s)", seg.Name, seg.FileOffset, len(image))}
		}

		n := copy(mem[dstOff:dstOff+seg.VMSize], image[seg.FileOffset:])
		loglite.Info("vm-mapping", "mapping offset 0x%x at vm 0x%x (%d byte(s), %d copied)", seg.FileOffset, dstOff, seg.VMSize, n)
	}

	return mem, nil
}

func dependentsInit(deps []parser.Dependency) ([]dl.Handle, error) {
	handles := make([]dl.Handle, 0, len(deps))
	for _, d := range deps {
		h, err := dl.Open(d.Name)
		if err != nil {
			return nil, &MappingError{Reason: "dependency load failed", Detail: err.Error()}
		}
		loglite.Info("vm-mapping", "dlopen %q", d.Name)
		handles = append(handles, h)
	}
	return handles, nil
}
