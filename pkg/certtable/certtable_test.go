package certtable

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/efisign/efisign/internal/testpe"
	"github.com/efisign/efisign/pkg/errdefs"
	"github.com/efisign/efisign/pkg/pe"
)

func newTestImage(t *testing.T) *pe.Image {
	t.Helper()
	img, err := pe.New(testpe.Build(testpe.Options{}))
	if err != nil {
		t.Fatalf("building test image: %v", err)
	}
	return img
}

func record(content string) Record {
	return NewSignedDataRecord([]byte(content))
}

func TestParseEmptyTable(t *testing.T) {
	list, err := Parse(newTestImage(t))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if list.Len() != 0 {
		t.Errorf("expected empty list, got %d records", list.Len())
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	img := newTestImage(t)

	list := &List{}
	for _, c := range []string{"first-record", "second", "third-record-content"} {
		if err := list.Insert(list.Len(), record(c)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := Commit(img, list, ShrinkSizeOnly); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	parsed, err := Parse(img)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", parsed.Len())
	}
	for i := 0; i < 3; i++ {
		orig, _ := list.Get(i)
		got, _ := parsed.Get(i)
		if got.Revision != Revision || got.Type != TypePKCS7SignedData {
			t.Errorf("record %d: header = (%#x, %#x)", i, got.Revision, got.Type)
		}
		if !bytes.Equal(got.Content, orig.Content) {
			t.Errorf("record %d content mismatch", i)
		}
	}

	if !bytes.Equal(parsed.Serialize(), list.Serialize()) {
		t.Error("serialize/parse/serialize not stable")
	}
}

func TestRecordAlignment(t *testing.T) {
	r := record("12345") // dwLength 13, footprint 16
	if r.Length() != 13 {
		t.Errorf("Length = %d, want 13", r.Length())
	}
	if r.PaddedLength() != 16 {
		t.Errorf("PaddedLength = %d, want 16", r.PaddedLength())
	}

	// An 8-byte-multiple record needs no pad.
	r = record("12345678")
	if r.PaddedLength() != 16 {
		t.Errorf("PaddedLength = %d, want 16", r.PaddedLength())
	}

	out := (&List{records: []Record{record("12345")}}).Serialize()
	if len(out) != 16 {
		t.Fatalf("serialized length = %d, want 16", len(out))
	}
	for _, b := range out[13:] {
		if b != 0 {
			t.Error("pad bytes not zero")
		}
	}
}

func TestInsertShiftsAndGrowsSize(t *testing.T) {
	list := &List{}
	for _, c := range []string{"aaa", "bbb", "ccc"} {
		if err := list.Insert(list.Len(), record(c)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	before := list.Size()
	r := record("inserted")
	if err := list.Insert(1, r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if list.Len() != 4 {
		t.Fatalf("Len = %d, want 4", list.Len())
	}
	if got, _ := list.Get(0); string(got.Content) != "aaa" {
		t.Error("record before insertion point moved")
	}
	if got, _ := list.Get(1); string(got.Content) != "inserted" {
		t.Error("inserted record not at index 1")
	}
	if got, _ := list.Get(2); string(got.Content) != "bbb" {
		t.Error("subsequent record not shifted up")
	}
	if list.Size() != before+r.PaddedLength() {
		t.Errorf("Size = %d, want %d", list.Size(), before+r.PaddedLength())
	}

	if err := list.Insert(-1, r); !errdefs.IsNotFound(err) {
		t.Errorf("Insert(-1) error = %v, want not-found", err)
	}
	if err := list.Insert(list.Len()+1, r); !errdefs.IsNotFound(err) {
		t.Errorf("Insert(len+1) error = %v, want not-found", err)
	}
}

func TestRemoveShiftsAndShrinksSize(t *testing.T) {
	list := &List{}
	for _, c := range []string{"aaa", "bbb", "ccc"} {
		list.Insert(list.Len(), record(c))
	}

	before := list.Size()
	removed, err := list.Remove(1)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if string(removed.Content) != "bbb" {
		t.Errorf("removed wrong record: %q", removed.Content)
	}
	if list.Len() != 2 {
		t.Fatalf("Len = %d, want 2", list.Len())
	}
	if got, _ := list.Get(1); string(got.Content) != "ccc" {
		t.Error("subsequent record not shifted down")
	}
	if list.Size() != before-removed.PaddedLength() {
		t.Errorf("Size = %d, want %d", list.Size(), before-removed.PaddedLength())
	}

	if _, err := list.Remove(5); !errdefs.IsNotFound(err) {
		t.Errorf("Remove(5) error = %v, want not-found", err)
	}
	if _, err := list.Get(-1); !errdefs.IsNotFound(err) {
		t.Errorf("Get(-1) error = %v, want not-found", err)
	}
}

func TestParseRejectsTruncatedRecord(t *testing.T) {
	img := newTestImage(t)

	list := &List{}
	list.Insert(0, record("payload"))
	if err := Commit(img, list, ShrinkSizeOnly); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Corrupt the record's declared length so it claims bytes beyond the
	// directory end.
	off, _ := img.CertTable()
	hdr, err := img.Slice(int(off), 4)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	binary.LittleEndian.PutUint32(hdr, 0x1000)

	if _, err := Parse(img); !errdefs.IsFormat(err) {
		t.Errorf("Parse error = %v, want format", err)
	}
}

func TestParseRejectsDirectoryOutsideImage(t *testing.T) {
	img := newTestImage(t)
	img.SetCertTable(uint32(img.Len()), 64)
	if _, err := Parse(img); !errdefs.IsFormat(err) {
		t.Errorf("Parse error = %v, want format", err)
	}
}

func TestGrowthPlanAndApply(t *testing.T) {
	img := newTestImage(t)
	origLen := img.Len()

	list := &List{}
	list.Insert(0, record("some signature bytes"))

	add := PlanGrowth(img, list)
	if add <= 0 {
		t.Fatalf("PlanGrowth = %d, want positive", add)
	}
	if err := ApplyGrowth(img, list, add); err != nil {
		t.Fatalf("ApplyGrowth failed: %v", err)
	}

	off, size := img.CertTable()
	if off%8 != 0 {
		t.Errorf("table offset %#x not 8-byte aligned", off)
	}
	if int(off) < origLen {
		t.Errorf("table offset %#x overlaps original image of %#x bytes", off, origLen)
	}
	if size != list.Size() {
		t.Errorf("directory size = %d, want %d", size, list.Size())
	}
	if img.Len() != int(off)+int(size) {
		t.Errorf("file length = %d, want %d", img.Len(), int(off)+int(size))
	}
}

func TestCommitPreservesTableOffset(t *testing.T) {
	img := newTestImage(t)

	list := &List{}
	list.Insert(0, record("first"))
	if err := Commit(img, list, ShrinkSizeOnly); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	off1, _ := img.CertTable()

	list.Insert(1, record("second, a bit longer"))
	if err := Commit(img, list, ShrinkSizeOnly); err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}
	off2, size := img.CertTable()

	if off1 != off2 {
		t.Errorf("table offset moved from %#x to %#x", off1, off2)
	}
	if size != list.Size() {
		t.Errorf("directory size = %d, want %d", size, list.Size())
	}
}

func TestCommitShrinkPolicies(t *testing.T) {
	build := func(t *testing.T) (*pe.Image, *List) {
		img := newTestImage(t)
		list := &List{}
		list.Insert(0, record("first"))
		list.Insert(1, record("second"))
		if err := Commit(img, list, ShrinkSizeOnly); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		return img, list
	}

	t.Run("size only", func(t *testing.T) {
		img, list := build(t)
		lenBefore := img.Len()
		list.Remove(1)
		if err := Commit(img, list, ShrinkSizeOnly); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if img.Len() != lenBefore {
			t.Errorf("file length changed: %d -> %d", lenBefore, img.Len())
		}
		if _, size := img.CertTable(); size != list.Size() {
			t.Errorf("directory size = %d, want %d", size, list.Size())
		}
	})

	t.Run("truncate", func(t *testing.T) {
		img, list := build(t)
		list.Remove(1)
		if err := Commit(img, list, TruncateFile); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		off, size := img.CertTable()
		if img.Len() != int(off)+int(size) {
			t.Errorf("file not truncated to table end: len=%d off=%d size=%d", img.Len(), off, size)
		}
	})

	t.Run("empty clears entry", func(t *testing.T) {
		img, list := build(t)
		list.Remove(1)
		list.Remove(0)
		if err := Commit(img, list, TruncateFile); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		off, size := img.CertTable()
		if off != 0 || size != 0 {
			t.Errorf("directory entry not cleared: (%d, %d)", off, size)
		}
	})
}
