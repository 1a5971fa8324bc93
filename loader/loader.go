// Package loader ties the four pipeline stages together: parser, mapper,
// linker, launcher. It mirrors original_source/src/lib.rs's ImageLoader
// enum, a tagged union over the three pipeline stage outputs that only
// allows the next stage to run once the previous one has produced its
// result (invariant I5: each stage consumes only the prior stage's data).
package loader

import (
	"fmt"
	"unsafe"

	"github.com/blacktop/go-macho/launcher"
	"github.com/blacktop/go-macho/linker"
	"github.com/blacktop/go-macho/mapper"
	"github.com/blacktop/go-macho/parser"
)

// stage names which pipeline output an ImageLoader currently holds.
type stage int

const (
	stageParsed stage = iota
	stageMapped
	stageLinked
)

// StageError reports a pipeline method called out of order, e.g. calling
// ApplyRelocations before MapSegments.
type StageError struct {
	Method string
	Have   string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("loader: %s called on a %s image", e.Method, e.Have)
}

func (s stage) String() string {
	switch s {
	case stageParsed:
		return "parsed"
	case stageMapped:
		return "address-space-mapped"
	case stageLinked:
		return "relocated"
	default:
		return "unknown"
	}
}

// ImageLoader drives an image through Parsed -> AddressSpaceMapped ->
// Relocated, holding exactly one stage's result at a time.
type ImageLoader struct {
	at     stage
	parsed *parser.ParsedImage
	mapped *mapper.MappedImage
	linked *linker.Image
}

// WithBytes parses data and returns an ImageLoader in the Parsed stage.
func WithBytes(data []byte) (*ImageLoader, error) {
	parsed, err := parser.Parse(data)
	if err != nil {
		return nil, err
	}
	return &ImageLoader{at: stageParsed, parsed: parsed}, nil
}

// MapSegments advances a Parsed ImageLoader to AddressSpaceMapped.
func (l *ImageLoader) MapSegments() (*ImageLoader, error) {
	if l.at != stageParsed {
		return nil, &StageError{Method: "MapSegments", Have: l.at.String()}
	}
	mapped, err := mapper.Map(l.parsed)
	if err != nil {
		return nil, err
	}
	return &ImageLoader{at: stageMapped, mapped: mapped}, nil
}

// ApplyRelocations advances an AddressSpaceMapped ImageLoader to Relocated.
func (l *ImageLoader) ApplyRelocations() (*ImageLoader, error) {
	if l.at != stageMapped {
		return nil, &StageError{Method: "ApplyRelocations", Have: l.at.String()}
	}
	linked, err := linker.Link(l.mapped)
	if err != nil {
		return nil, err
	}
	return &ImageLoader{at: stageLinked, linked: linked}, nil
}

// TransferControl hands off to the launcher. Only a Relocated ImageLoader
// may call it; on success it does not return.
func (l *ImageLoader) TransferControl(argc uint32, argv, envp unsafe.Pointer) error {
	if l.at != stageLinked {
		return &StageError{Method: "TransferControl", Have: l.at.String()}
	}
	launcher.Launch(l.linked, argc, argv, envp)
	return nil
}

// Run drives data through every stage and transfers control, matching
// execvm's single call chain in the original implementation
// (with_container -> map_segments -> apply_relocations -> transfer_control).
// On success it does not return.
func Run(data []byte, argc uint32, argv, envp unsafe.Pointer) error {
	l, err := WithBytes(data)
	if err != nil {
		return err
	}
	l, err = l.MapSegments()
	if err != nil {
		return err
	}
	l, err = l.ApplyRelocations()
	if err != nil {
		return err
	}
	return l.TransferControl(argc, argv, envp)
}
