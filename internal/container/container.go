// Package container gives the rest of the loader a single, bounds-checked
// way to pull fixed-size data and NUL-terminated strings out of a raw Mach-O image.
// It is the Go analogue of a thin byte-slice reader: every other package
// reads the image through a Container rather than indexing the slice itself.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Container wraps the raw bytes of one Mach-O image (a thin slice, already
// sliced out of a fat binary if needed) and decodes fixed-layout structures
// out of it at arbitrary offsets.
type Container struct {
	bytes []byte
	order binary.ByteOrder
}

// New wraps b for little-endian decoding, the only byte order this loader's
// target (arm64 thin Mach-O images) ever uses.
func New(b []byte) *Container {
	return &Container{bytes: b, order: binary.LittleEndian}
}

// Bytes returns the underlying image bytes.
func (c *Container) Bytes() []byte { return c.bytes }

// Len reports the size of the underlying image.
func (c *Container) Len() int { return len(c.bytes) }

// Slice returns a sub-slice of the image, bounds-checked.
func (c *Container) Slice(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(c.bytes) {
		return nil, fmt.Errorf("container: slice [%d:%d] out of bounds (len %d)", offset, offset+length, len(c.bytes))
	}
	return c.bytes[offset : offset+length], nil
}

// ReadType decodes a fixed-size struct of type T at offset using encoding/binary.
func ReadType[T any](c *Container, offset int) (T, error) {
	var v T
	size := binary.Size(v)
	if size <= 0 {
		return v, fmt.Errorf("container: type has no fixed binary size")
	}
	buf, err := c.Slice(offset, size)
	if err != nil {
		return v, err
	}
	if err := binary.Read(bytes.NewReader(buf), c.order, &v); err != nil {
		return v, fmt.Errorf("container: read type @ 0x%x: %w", offset, err)
	}
	return v, nil
}

// ReadArray decodes count contiguous values of type T starting at offset.
func ReadArray[T any](c *Container, offset int, count int) ([]T, error) {
	out := make([]T, 0, count)
	var zero T
	size := binary.Size(zero)
	for i := 0; i < count; i++ {
		v, err := ReadType[T](c, offset+i*size)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadUint32 reads a little-endian uint32 at offset.
func (c *Container) ReadUint32(offset int) (uint32, error) {
	buf, err := c.Slice(offset, 4)
	if err != nil {
		return 0, err
	}
	return c.order.Uint32(buf), nil
}

// ReadUint64 reads a little-endian uint64 at offset.
func (c *Container) ReadUint64(offset int) (uint64, error) {
	buf, err := c.Slice(offset, 8)
	if err != nil {
		return 0, err
	}
	return c.order.Uint64(buf), nil
}

// ReadUint16 reads a little-endian uint16 at offset.
func (c *Container) ReadUint16(offset int) (uint16, error) {
	buf, err := c.Slice(offset, 2)
	if err != nil {
		return 0, err
	}
	return c.order.Uint16(buf), nil
}

// ReadStr reads a NUL-terminated string starting at offset, not including
// the terminator.
func (c *Container) ReadStr(offset int) (string, error) {
	if offset < 0 || offset > len(c.bytes) {
		return "", fmt.Errorf("container: string offset 0x%x out of bounds", offset)
	}
	rest := c.bytes[offset:]
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return "", fmt.Errorf("container: no NUL terminator from offset 0x%x", offset)
	}
	return string(rest[:nul]), nil
}
