package mapper

import (
	"testing"

	"github.com/blacktop/go-macho/parser"
)

func TestAddressSpaceBounds(t *testing.T) {
	segments := []parser.Segment{
		{Name: "__PAGEZERO", VMAddr: 0, VMSize: 0x1000},
		{Name: "__TEXT", VMAddr: 0x1000, VMSize: 0x2000},
		{Name: "__DATA", VMAddr: 0x4000, VMSize: 0x1000},
	}

	minAddr, size := addressSpaceBounds(segments)
	if minAddr != 0 {
		t.Errorf("addressSpaceBounds() minAddr = %#x, want 0", minAddr)
	}
	if want := uint64(0x5000); size != want {
		t.Errorf("addressSpaceBounds() size = %#x, want %#x", size, want)
	}
}

func TestAddressSpaceInit(t *testing.T) {
	image := make([]byte, 0x3000)
	copy(image[0x1000:], []byte{0xde, 0xad, 0xbe, 0xef})

	segments := []parser.Segment{
		{Name: "__PAGEZERO", VMAddr: 0, VMSize: 0x1000, FileOffset: 0},
		{Name: "__TEXT", VMAddr: 0x1000, VMSize: 0x1000, FileOffset: 0x1000},
	}

	mem, err := addressSpaceInit(image, segments)
	if err != nil {
		t.Fatalf("addressSpaceInit() error = %v", err)
	}
	if len(mem) != 0x2000 {
		t.Fatalf("addressSpaceInit() region len = %d, want %d", len(mem), 0x2000)
	}

	got := mem[0x1000:0x1004]
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("addressSpaceInit() region[0x1000+%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestAddressSpaceInitRejectsOutOfBoundsSegment(t *testing.T) {
	image := make([]byte, 0x10)
	segments := []parser.Segment{
		{Name: "__TEXT", VMAddr: 0, VMSize: 0x1000, FileOffset: 0x1000},
	}

	if _, err := addressSpaceInit(image, segments); err == nil {
		t.Fatal("addressSpaceInit() expected an error for a segment whose file offset exceeds the image")
	}
}

func TestMapRejectsEmptySegmentList(t *testing.T) {
	p := &parser.ParsedImage{Data: []byte{}}
	if _, err := Map(p); err == nil {
		t.Fatal("Map() expected an error for an image with no segments")
	}
}
