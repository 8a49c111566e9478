// Package testpe builds small synthetic PE32+ images for tests.
package testpe

import "encoding/binary"

// Options controls the shape of a generated image.
type Options struct {
	// Sections lists (offset, size) pairs for section raw data. Offsets
	// must be >= HeaderSize and ascending. When nil, two default sections
	// are emitted.
	Sections [][2]uint32

	// Trailing appends extra bytes after the last section, simulating
	// alignment padding at end of file.
	Trailing int

	// Fill is the byte pattern seed used for section content.
	Fill byte
}

const (
	peHeaderOffset = 0x80
	optionalSize   = 112 + 16*8 // PE32+ with 16 data directories
	// HeaderSize is the SizeOfHeaders value of generated images.
	HeaderSize = 0x200
)

// Build returns a minimal, structurally valid PE32+ image.
func Build(opts Options) []byte {
	sections := opts.Sections
	if sections == nil {
		sections = [][2]uint32{
			{0x200, 0x400},
			{0x600, 0x200},
		}
	}

	size := HeaderSize
	for _, s := range sections {
		if end := int(s[0]) + int(s[1]); end > size {
			size = end
		}
	}
	size += opts.Trailing

	b := make([]byte, size)
	b[0] = 'M'
	b[1] = 'Z'
	binary.LittleEndian.PutUint32(b[0x3c:], peHeaderOffset)

	copy(b[peHeaderOffset:], []byte{'P', 'E', 0, 0})

	fh := b[peHeaderOffset+4:]
	binary.LittleEndian.PutUint16(fh[0:], 0x8664) // machine: x86-64
	binary.LittleEndian.PutUint16(fh[2:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(fh[16:], optionalSize)
	binary.LittleEndian.PutUint16(fh[18:], 0x0002) // executable image

	optOff := peHeaderOffset + 4 + 20
	opt := b[optOff:]
	binary.LittleEndian.PutUint16(opt[0:], 0x20b) // PE32+
	binary.LittleEndian.PutUint32(opt[60:], HeaderSize)
	binary.LittleEndian.PutUint32(opt[108:], 16) // NumberOfRvaAndSizes

	secOff := optOff + optionalSize
	names := []string{".text", ".data", ".rsrc", ".five", ".six6"}
	for i, s := range sections {
		sh := b[secOff+i*40:]
		name := ".sec"
		if i < len(names) {
			name = names[i]
		}
		copy(sh[:8], name)
		binary.LittleEndian.PutUint32(sh[8:], s[1])  // VirtualSize
		binary.LittleEndian.PutUint32(sh[12:], s[0]) // VirtualAddress
		binary.LittleEndian.PutUint32(sh[16:], s[1]) // SizeOfRawData
		binary.LittleEndian.PutUint32(sh[20:], s[0]) // PointerToRawData
	}

	fill := opts.Fill
	if fill == 0 {
		fill = 0xa5
	}
	for _, s := range sections {
		for i := uint32(0); i < s[1]; i++ {
			b[s[0]+i] = fill ^ byte(i)
		}
	}
	for i := 0; i < opts.Trailing; i++ {
		b[size-opts.Trailing+i] = 0x5a
	}

	return b
}
