package certtable

import (
	"github.com/efisign/efisign/pkg/errdefs"
	"github.com/efisign/efisign/pkg/pe"
)

// ShrinkPolicy selects what happens to the file when a commit shrinks the
// certificate table.
type ShrinkPolicy int

const (
	// ShrinkSizeOnly rewrites the directory size field and leaves the
	// file length alone.
	ShrinkSizeOnly ShrinkPolicy = iota

	// TruncateFile additionally truncates the file when the table sits at
	// the end of it, reclaiming the freed bytes.
	TruncateFile
)

// tableOffset returns the file offset the table occupies, or will occupy
// once created: the established offset never moves, a fresh table starts at
// the 8-byte-aligned end of file.
func tableOffset(img *pe.Image) uint32 {
	if off, _ := img.CertTable(); off != 0 {
		return off
	}
	return alignUp(uint32(img.Len()))
}

// PlanGrowth computes how many bytes img must grow so the serialized target
// list fits at the table offset. The result is zero when the image is
// already large enough.
func PlanGrowth(img *pe.Image, target *List) int {
	need := int(tableOffset(img)) + int(target.Size())
	if need <= img.Len() {
		return 0
	}
	return need - img.Len()
}

// ApplyGrowth extends img by add zero bytes and records the table's offset
// and prospective size in the data directory. The offset is written once and
// never changes for the life of the image; digests computed before growth
// stay valid because the hashed region excludes both the table and its
// directory entry.
func ApplyGrowth(img *pe.Image, target *List, add int) error {
	if add < 0 {
		return errdefs.Formatf("negative growth %d", add)
	}
	off := tableOffset(img)
	img.Grow(add)
	if int(off)+int(target.Size()) > img.Len() {
		return errdefs.Formatf("certificate table does not fit after growing %d bytes", add)
	}
	img.SetCertTable(off, target.Size())
	return nil
}

// Commit serializes list into img's certificate-table region, growing the
// image first when needed and applying policy when the table shrank. An
// empty list clears the directory entry.
func Commit(img *pe.Image, list *List, policy ShrinkPolicy) error {
	if list.Len() == 0 {
		off, _ := img.CertTable()
		img.SetCertTable(0, 0)
		if policy == TruncateFile && off != 0 {
			return img.Truncate(int(off))
		}
		return nil
	}

	if add := PlanGrowth(img, list); add > 0 {
		if err := ApplyGrowth(img, list, add); err != nil {
			return err
		}
	}

	off := tableOffset(img)
	if err := img.WriteAt(int(off), list.Serialize()); err != nil {
		return err
	}
	img.SetCertTable(off, list.Size())

	end := int(off) + int(list.Size())
	if policy == TruncateFile && end < img.Len() {
		return img.Truncate(end)
	}
	return nil
}
