// Package pe provides a bounds-checked, growable view of a PE/COFF image.
//
// The package intentionally does not use debug/pe: signing needs the file
// offsets of the CheckSum field and the certificate-table data-directory
// entry so they can be excluded from digests and patched in place, and
// debug/pe does not expose those.
package pe

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/efisign/efisign/pkg/errdefs"
)

const (
	// offsetOfPEHeaderOffset is where the DOS stub stores the offset of
	// the "PE\0\0" signature.
	offsetOfPEHeaderOffset = 0x3c

	pe32Magic     = 0x10b
	pe32PlusMagic = 0x20b

	fileHeaderSize    = 20
	sectionHeaderSize = 40

	// CertificateTableIndex is the data-directory slot holding the
	// attribute certificate table ("security" directory).
	CertificateTableIndex = 4
)

// Section describes one entry of the section table as laid out on disk.
type Section struct {
	Name   string
	Offset uint32 // PointerToRawData
	Size   uint32 // SizeOfRawData
}

// Image is an owned, resizable byte buffer holding a PE/COFF image together
// with the parsed header offsets the signing pipeline needs. It is not safe
// for concurrent use; each pipeline invocation owns its Image exclusively.
type Image struct {
	data []byte

	pe32Plus       bool
	checksumOffset int // file offset of the 4-byte CheckSum field
	certDirOffset  int // file offset of the 8-byte certificate-table entry
	sizeOfHeaders  int
	sections       []Section
}

// New parses the headers of data and returns an Image owning it. The caller
// must not retain data.
func New(data []byte) (*Image, error) {
	img := &Image{data: data}
	if err := img.parse(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) parse() error {
	b := img.data
	if len(b) < offsetOfPEHeaderOffset+4 {
		return errdefs.Formatf("file too short for a DOS header (%d bytes)", len(b))
	}

	peOff := int(binary.LittleEndian.Uint32(b[offsetOfPEHeaderOffset:]))
	if peOff < 0 || peOff+4+fileHeaderSize > len(b) {
		return errdefs.Formatf("PE header offset 0x%x outside file", peOff)
	}
	if !bytes.Equal(b[peOff:peOff+4], []byte{'P', 'E', 0, 0}) {
		return errdefs.Formatf("PE signature not found at offset 0x%x", peOff)
	}

	fh := b[peOff+4:]
	numSections := int(binary.LittleEndian.Uint16(fh[2:]))
	optSize := int(binary.LittleEndian.Uint16(fh[16:]))

	optOff := peOff + 4 + fileHeaderSize
	if optOff+optSize > len(b) {
		return errdefs.Formatf("optional header extends past end of file")
	}
	if optSize < 2 {
		return errdefs.Formatf("optional header too short (%d bytes)", optSize)
	}

	var ddOff, numDirOff int
	switch magic := binary.LittleEndian.Uint16(b[optOff:]); magic {
	case pe32Magic:
		numDirOff = optOff + 92
		ddOff = optOff + 96
	case pe32PlusMagic:
		numDirOff = optOff + 108
		ddOff = optOff + 112
		img.pe32Plus = true
	default:
		return errdefs.Formatf("unknown optional header magic 0x%x", magic)
	}

	if numDirOff+4 > optOff+optSize {
		return errdefs.Formatf("optional header truncated before data directory count")
	}
	numDirs := int(binary.LittleEndian.Uint32(b[numDirOff:]))
	if numDirs > 4096 {
		return errdefs.Formatf("invalid number of data directory entries: %d", numDirs)
	}
	if numDirs <= CertificateTableIndex {
		return errdefs.Formatf("image has no certificate table directory entry (%d entries)", numDirs)
	}

	img.checksumOffset = optOff + 64
	img.certDirOffset = ddOff + CertificateTableIndex*8
	if img.certDirOffset+8 > optOff+optSize {
		return errdefs.Formatf("certificate table entry extends past optional header")
	}
	img.sizeOfHeaders = int(binary.LittleEndian.Uint32(b[optOff+60:]))
	if img.sizeOfHeaders > len(b) {
		return errdefs.Formatf("SizeOfHeaders 0x%x exceeds file size 0x%x", img.sizeOfHeaders, len(b))
	}

	secOff := optOff + optSize
	if secOff+numSections*sectionHeaderSize > len(b) {
		return errdefs.Formatf("section table extends past end of file")
	}
	img.sections = make([]Section, 0, numSections)
	for i := 0; i < numSections; i++ {
		sh := b[secOff+i*sectionHeaderSize:]
		sec := Section{
			Name:   string(bytes.TrimRight(sh[:8], "\x00")),
			Size:   binary.LittleEndian.Uint32(sh[16:]),
			Offset: binary.LittleEndian.Uint32(sh[20:]),
		}
		if sec.Size != 0 && int64(sec.Offset)+int64(sec.Size) > int64(len(b)) {
			return errdefs.Formatf("section %q extends past end of file", sec.Name)
		}
		img.sections = append(img.sections, sec)
	}

	return nil
}

// Bytes returns the backing buffer. Callers must treat it as read-only;
// mutation goes through the bounds-checked accessors.
func (img *Image) Bytes() []byte { return img.data }

// Len returns the current file size.
func (img *Image) Len() int { return len(img.data) }

// PE32Plus reports whether the image uses the PE32+ optional header.
func (img *Image) PE32Plus() bool { return img.pe32Plus }

// ChecksumOffset returns the file offset of the 4-byte CheckSum field.
func (img *Image) ChecksumOffset() int { return img.checksumOffset }

// CertDirOffset returns the file offset of the 8-byte certificate-table
// data-directory entry.
func (img *Image) CertDirOffset() int { return img.certDirOffset }

// SizeOfHeaders returns the SizeOfHeaders optional-header field.
func (img *Image) SizeOfHeaders() int { return img.sizeOfHeaders }

// Sections returns the section table in ascending file-offset order.
func (img *Image) Sections() []Section {
	secs := make([]Section, len(img.sections))
	copy(secs, img.sections)
	sort.Slice(secs, func(i, j int) bool { return secs[i].Offset < secs[j].Offset })
	return secs
}

// EndOfSections returns the file offset just past the highest section byte.
// Images with no sections report SizeOfHeaders.
func (img *Image) EndOfSections() int {
	end := img.sizeOfHeaders
	for _, sec := range img.sections {
		if e := int(sec.Offset) + int(sec.Size); sec.Size != 0 && e > end {
			end = e
		}
	}
	return end
}

// CertTable returns the certificate-table directory entry. The address is a
// plain file offset, not a virtual address.
func (img *Image) CertTable() (offset, size uint32) {
	offset = binary.LittleEndian.Uint32(img.data[img.certDirOffset:])
	size = binary.LittleEndian.Uint32(img.data[img.certDirOffset+4:])
	return offset, size
}

// SetCertTable rewrites the certificate-table directory entry.
func (img *Image) SetCertTable(offset, size uint32) {
	binary.LittleEndian.PutUint32(img.data[img.certDirOffset:], offset)
	binary.LittleEndian.PutUint32(img.data[img.certDirOffset+4:], size)
}

// Slice returns the byte range [off, off+n). Out-of-bounds access is a
// format error, never a panic.
func (img *Image) Slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(img.data) {
		return nil, errdefs.Formatf("range [%d, %d) outside image of %d bytes", off, off+n, len(img.data))
	}
	return img.data[off : off+n], nil
}

// WriteAt copies p into the buffer at off with bounds checking.
func (img *Image) WriteAt(off int, p []byte) error {
	if off < 0 || off+len(p) > len(img.data) {
		return errdefs.Formatf("write [%d, %d) outside image of %d bytes", off, off+len(p), len(img.data))
	}
	copy(img.data[off:], p)
	return nil
}

// Grow extends the buffer by n zero bytes.
func (img *Image) Grow(n int) {
	if n <= 0 {
		return
	}
	img.data = append(img.data, make([]byte, n)...)
}

// Truncate shrinks the buffer to n bytes. Growing through Truncate is not
// allowed.
func (img *Image) Truncate(n int) error {
	if n < 0 || n > len(img.data) {
		return errdefs.Formatf("cannot truncate %d-byte image to %d bytes", len(img.data), n)
	}
	img.data = img.data[:n]
	return nil
}
