package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// FileDevice persists pages across a sequence of fixed-size segment
// files (`hlog.<segment_id>`, per the store's on-disk layout), rather
// than one ever-growing file, so that Truncate can reclaim space by
// simply deleting whole segments instead of compacting a single file
// in place - the same segment-file shape other_examples' paged
// key-value stores use for their own on-disk log.
type FileDevice struct {
	dir          string
	baseName     string
	pageSize     int
	segmentPages uint64 // pages per segment file

	mu       sync.Mutex
	segments *xsync.MapOf[uint64, *os.File] // segment id -> open file
}

// NewFileDevice opens (creating dir if needed) a segmented file device
// rooted at dir, using baseName as the segment file prefix. segmentPages
// must be > 0.
func NewFileDevice(dir, baseName string, pageSize int, segmentPages uint64) (*FileDevice, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("device: pageSize must be positive")
	}
	if segmentPages == 0 {
		return nil, fmt.Errorf("device: segmentPages must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("device: creating %s: %w", dir, err)
	}
	return &FileDevice{
		dir:          dir,
		baseName:     baseName,
		pageSize:     pageSize,
		segmentPages: segmentPages,
		segments:     xsync.NewMapOf[uint64, *os.File](),
	}, nil
}

func (d *FileDevice) PageSize() int { return d.pageSize }

func (d *FileDevice) segmentPath(segmentID uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s.%d", d.baseName, segmentID))
}

func (d *FileDevice) segmentOf(pageIndex uint64) (segmentID uint64, pageInSegment uint64) {
	return pageIndex / d.segmentPages, pageIndex % d.segmentPages
}

// openSegment returns the open file for segmentID, creating it on
// first use. Opening is serialized so two goroutines racing to create
// the same segment never end up with two *os.File handles for it.
func (d *FileDevice) openSegment(segmentID uint64) (*os.File, error) {
	if f, ok := d.segments.Load(segmentID); ok {
		return f, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.segments.Load(segmentID); ok {
		return f, nil
	}
	f, err := os.OpenFile(d.segmentPath(segmentID), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: opening segment %d: %w", segmentID, err)
	}
	d.segments.Store(segmentID, f)
	return f, nil
}

func (d *FileDevice) WritePage(ctx context.Context, pageIndex uint64, buf []byte, done func(error)) {
	if len(buf) != d.pageSize {
		done(fmt.Errorf("device: write buffer is %d bytes, want %d", len(buf), d.pageSize))
		return
	}
	if err := ctx.Err(); err != nil {
		done(err)
		return
	}
	segmentID, pageInSegment := d.segmentOf(pageIndex)
	f, err := d.openSegment(segmentID)
	if err != nil {
		done(err)
		return
	}
	off := int64(pageInSegment) * int64(d.pageSize)
	_, err = f.WriteAt(buf, off)
	done(err)
}

func (d *FileDevice) ReadPage(ctx context.Context, pageIndex uint64, buf []byte, done func(error)) {
	if len(buf) < d.pageSize {
		done(fmt.Errorf("device: read buffer is %d bytes, want at least %d", len(buf), d.pageSize))
		return
	}
	if err := ctx.Err(); err != nil {
		done(err)
		return
	}
	segmentID, pageInSegment := d.segmentOf(pageIndex)
	f, err := d.openSegment(segmentID)
	if err != nil {
		done(err)
		return
	}
	off := int64(pageInSegment) * int64(d.pageSize)
	n, err := f.ReadAt(buf[:d.pageSize], off)
	if err == io.EOF {
		// a short read past EOF on a sparse, never-written page reads
		// as zeros - the same contract MemDevice gives unwritten pages.
		for i := n; i < d.pageSize; i++ {
			buf[i] = 0
		}
		err = nil
	}
	done(err)
}

// Truncate deletes every segment file entirely below belowPage,
// leaving any segment that still holds at least one page >= belowPage
// untouched.
func (d *FileDevice) Truncate(belowPage uint64) error {
	// the segment belowPage itself falls in (whether or not belowPage
	// is exactly its first page) may still hold a live page, so only
	// segments strictly before it are safe to delete outright.
	segmentOfBelow, _ := d.segmentOf(belowPage)
	if segmentOfBelow == 0 {
		return nil
	}
	fullyStaleSegment := segmentOfBelow - 1

	var firstErr error
	for id := uint64(0); id <= fullyStaleSegment; id++ {
		if f, ok := d.segments.LoadAndDelete(id); ok {
			_ = f.Close()
		}
		if err := os.Remove(d.segmentPath(id)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *FileDevice) Close() error {
	var firstErr error
	d.segments.Range(func(id uint64, f *os.File) bool {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
