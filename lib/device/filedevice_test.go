package device

import (
	"context"
	"os"
	"testing"
)

func TestFileDeviceWriteReadAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	d, err := NewFileDevice(dir, "hlog", 16, 4) // 4 pages per segment
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	pages := []uint64{0, 3, 4, 10} // spans segments 0, 1 and 2
	for _, p := range pages {
		buf := make([]byte, 16)
		buf[0] = byte(p)
		var writeErr error
		d.WritePage(ctx, p, buf, func(err error) { writeErr = err })
		if writeErr != nil {
			t.Fatalf("WritePage(%d): %v", p, writeErr)
		}
	}

	for _, p := range pages {
		out := make([]byte, 16)
		var readErr error
		d.ReadPage(ctx, p, out, func(err error) { readErr = err })
		if readErr != nil {
			t.Fatalf("ReadPage(%d): %v", p, readErr)
		}
		if out[0] != byte(p) {
			t.Fatalf("page %d: got tag %d", p, out[0])
		}
	}
}

func TestFileDeviceTruncateRemovesStaleSegments(t *testing.T) {
	dir := t.TempDir()
	d, err := NewFileDevice(dir, "hlog", 8, 2) // 2 pages per segment
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	buf := make([]byte, 8)
	for _, p := range []uint64{0, 1, 2, 3, 4, 5} {
		d.WritePage(ctx, p, buf, func(error) {})
	}

	// pages 0,1 -> segment 0; 2,3 -> segment 1; 4,5 -> segment 2.
	if err := d.Truncate(4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if _, err := os.Stat(d.segmentPath(0)); !os.IsNotExist(err) {
		t.Fatalf("segment 0 should have been removed, stat err=%v", err)
	}
	if _, err := os.Stat(d.segmentPath(1)); !os.IsNotExist(err) {
		t.Fatalf("segment 1 should have been removed, stat err=%v", err)
	}
	if _, err := os.Stat(d.segmentPath(2)); err != nil {
		t.Fatalf("segment 2 should still exist: %v", err)
	}
}
