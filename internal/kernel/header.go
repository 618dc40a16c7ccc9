package kernel

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Offsets within the first page, from union swap_header in <linux/swap.h>.
const (
	swapVersionOffset  = 1024
	swapLastPageOffset = 1028
	swapBadPagesOffset = 1032
	swapUUIDOffset     = 1036
	swapLabelOffset    = 1052
	swapLabelLen       = 16
	swapMagic          = "SWAPSPACE2"
	swapMinPages       = 10
)

// SwapHeader describes a version 1 swap area.
type SwapHeader struct {
	Size     uint64
	PageSize int
	Label    string
	UUID     uuid.UUID
}

// Encode renders the first page of the swap area.
func (h SwapHeader) Encode() ([]byte, error) {
	pageSize := h.PageSize
	if pageSize <= 0 {
		pageSize = unix.Getpagesize()
	}
	pages := h.Size / uint64(pageSize)
	if pages < swapMinPages {
		return nil, fmt.Errorf("swap area of %d bytes is smaller than %d pages", h.Size, swapMinPages)
	}
	if pages-1 > uint64(^uint32(0)) {
		return nil, fmt.Errorf("swap area of %d bytes is too large", h.Size)
	}
	if len(h.Label) > swapLabelLen {
		return nil, fmt.Errorf("swap label %q longer than %d bytes", h.Label, swapLabelLen)
	}

	page := make([]byte, pageSize)
	binary.NativeEndian.PutUint32(page[swapVersionOffset:], 1)
	binary.NativeEndian.PutUint32(page[swapLastPageOffset:], uint32(pages-1))
	binary.NativeEndian.PutUint32(page[swapBadPagesOffset:], 0)
	copy(page[swapUUIDOffset:swapUUIDOffset+16], h.UUID[:])
	copy(page[swapLabelOffset:swapLabelOffset+swapLabelLen], h.Label)
	copy(page[pageSize-len(swapMagic):], swapMagic)

	return page, nil
}

// FormatSwap writes a swap header of the given size and label to path,
// which may be a regular file or a block device.
func FormatSwap(path string, size uint64, label string) error {
	page, err := SwapHeader{Size: size, Label: label, UUID: uuid.New()}.Encode()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(page, 0); err != nil {
		return fmt.Errorf("write swap header to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}
