package device

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemDevice is an in-process, byte-slice-backed Device. It never
// touches real storage and loses all data on process exit; used by
// tests and by in-memory-only store configurations.
//
// Pages are kept in a concurrent map rather than a fixed slice because
// a device is written and read by many goroutines at once (the flush
// pipeline, foreground pending-read completions, recovery replay) and
// the address space is sparse - most page indices a real run touches
// are never allocated here at all.
type MemDevice struct {
	pageSize int
	pages    *xsync.MapOf[uint64, []byte]
}

// NewMemDevice creates an empty in-memory device with the given fixed
// page size.
func NewMemDevice(pageSize int) *MemDevice {
	if pageSize <= 0 {
		panic("device: pageSize must be positive")
	}
	return &MemDevice{
		pageSize: pageSize,
		pages:    xsync.NewMapOf[uint64, []byte](),
	}
}

func (d *MemDevice) PageSize() int { return d.pageSize }

func (d *MemDevice) WritePage(ctx context.Context, pageIndex uint64, buf []byte, done func(error)) {
	if len(buf) != d.pageSize {
		done(fmt.Errorf("device: write buffer is %d bytes, want %d", len(buf), d.pageSize))
		return
	}
	if err := ctx.Err(); err != nil {
		done(err)
		return
	}
	cp := make([]byte, d.pageSize)
	copy(cp, buf)
	d.pages.Store(pageIndex, cp)
	done(nil)
}

func (d *MemDevice) ReadPage(ctx context.Context, pageIndex uint64, buf []byte, done func(error)) {
	if len(buf) < d.pageSize {
		done(fmt.Errorf("device: read buffer is %d bytes, want at least %d", len(buf), d.pageSize))
		return
	}
	if err := ctx.Err(); err != nil {
		done(err)
		return
	}
	page, ok := d.pages.Load(pageIndex)
	if !ok {
		// an unwritten page reads as zeros, the same as a freshly
		// extended sparse file would.
		for i := 0; i < d.pageSize; i++ {
			buf[i] = 0
		}
		done(nil)
		return
	}
	copy(buf, page)
	done(nil)
}

func (d *MemDevice) Truncate(belowPage uint64) error {
	d.pages.Range(func(key uint64, _ []byte) bool {
		if key < belowPage {
			d.pages.Delete(key)
		}
		return true
	})
	return nil
}

func (d *MemDevice) Close() error {
	return nil
}
