// Package certtable parses and rewrites the attribute certificate table of a
// PE/COFF image: the ordered list of WIN_CERTIFICATE records referenced by
// the security data directory.
package certtable

import (
	"encoding/binary"

	"github.com/efisign/efisign/pkg/errdefs"
	"github.com/efisign/efisign/pkg/pe"
)

const (
	// RecordHeaderSize is the fixed WIN_CERTIFICATE header size.
	RecordHeaderSize = 8

	// Revision is the only attribute certificate revision in use.
	Revision = 0x0200

	// TypePKCS7SignedData marks a DER SignedData certificate blob.
	TypePKCS7SignedData = 0x0002
)

// alignUp rounds n up to the next multiple of 8, the record alignment the
// format requires.
func alignUp(n uint32) uint32 {
	return (n + 7) &^ 7
}

// Record is one WIN_CERTIFICATE entry. Content excludes the 8-byte header
// and the trailing alignment padding.
type Record struct {
	Revision uint16
	Type     uint16
	Content  []byte
}

// NewSignedDataRecord wraps a DER SignedData blob in a record with the
// current revision and type constants.
func NewSignedDataRecord(der []byte) Record {
	return Record{Revision: Revision, Type: TypePKCS7SignedData, Content: der}
}

// Length returns the declared dwLength: header plus content, excluding pad.
func (r Record) Length() uint32 {
	return RecordHeaderSize + uint32(len(r.Content))
}

// PaddedLength returns the record's on-disk footprint.
func (r Record) PaddedLength() uint32 {
	return alignUp(r.Length())
}

// List is the ordered signature-record list of one image. Index order is
// file order.
type List struct {
	records []Record
}

// Parse walks the certificate-table byte range of img and returns the record
// list. An image without a certificate table yields an empty list.
func Parse(img *pe.Image) (*List, error) {
	off, size := img.CertTable()
	list := &List{}
	if off == 0 || size == 0 {
		return list, nil
	}

	region, err := img.Slice(int(off), int(size))
	if err != nil {
		return nil, errdefs.Formatf("certificate table [%#x, %#x) outside image", off, uint64(off)+uint64(size))
	}

	for cursor := 0; cursor < len(region); {
		remaining := len(region) - cursor
		if remaining < RecordHeaderSize {
			return nil, errdefs.Formatf("truncated record header at table offset %d", cursor)
		}
		hdr := region[cursor:]
		length := binary.LittleEndian.Uint32(hdr[0:])
		if length < RecordHeaderSize {
			return nil, errdefs.Formatf("record at table offset %d declares length %d < %d", cursor, length, RecordHeaderSize)
		}
		if uint64(length) > uint64(remaining) {
			return nil, errdefs.Formatf("record at table offset %d declares length %d beyond table end", cursor, length)
		}

		content := make([]byte, length-RecordHeaderSize)
		copy(content, hdr[RecordHeaderSize:length])
		list.records = append(list.records, Record{
			Revision: binary.LittleEndian.Uint16(hdr[4:]),
			Type:     binary.LittleEndian.Uint16(hdr[6:]),
			Content:  content,
		})

		cursor += int(alignUp(length))
	}

	return list, nil
}

// Len returns the number of records.
func (l *List) Len() int { return len(l.records) }

// Size returns the total on-disk size of the serialized table.
func (l *List) Size() uint32 {
	var total uint32
	for _, r := range l.records {
		total += r.PaddedLength()
	}
	return total
}

// Get returns record i.
func (l *List) Get(i int) (Record, error) {
	if i < 0 || i >= len(l.records) {
		return Record{}, errdefs.NotFoundf("signature %d (image has %d)", i, len(l.records))
	}
	return l.records[i], nil
}

// Insert places r at index i, shifting subsequent records up. i == Len
// appends.
func (l *List) Insert(i int, r Record) error {
	if i < 0 || i > len(l.records) {
		return errdefs.NotFoundf("signature slot %d (valid range 0..%d)", i, len(l.records))
	}
	l.records = append(l.records, Record{})
	copy(l.records[i+1:], l.records[i:])
	l.records[i] = r
	return nil
}

// Remove deletes record i, shifting subsequent records down, and returns it.
func (l *List) Remove(i int) (Record, error) {
	r, err := l.Get(i)
	if err != nil {
		return Record{}, err
	}
	l.records = append(l.records[:i], l.records[i+1:]...)
	return r, nil
}

// Serialize writes the records back in list order, zero-padding each to its
// 8-byte boundary. The result is the exact byte sequence for the directory
// region; its length equals Size.
func (l *List) Serialize() []byte {
	out := make([]byte, l.Size())
	cursor := uint32(0)
	for _, r := range l.records {
		binary.LittleEndian.PutUint32(out[cursor:], r.Length())
		binary.LittleEndian.PutUint16(out[cursor+4:], r.Revision)
		binary.LittleEndian.PutUint16(out[cursor+6:], r.Type)
		copy(out[cursor+RecordHeaderSize:], r.Content)
		cursor += r.PaddedLength()
	}
	return out
}
