// Package config holds the StoreConfig struct used to construct a
// store.Store, with its defaults and validation. Assembling one from
// CLI flags, HLOG_* environment variables and an optional .env file is
// done by cmd/serve - the same split the teacher's
// rpc/common.ServerConfig and cmd/serve wiring use.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hlogdb/hlogdb/lib/logging"
)

// CheckpointKind names a store's default checkpoint variety, which
// Store.DefaultCheckpointKind maps to a checkpoint.Kind.
type CheckpointKind string

const (
	CheckpointKindFuzzy CheckpointKind = "fuzzy"
	CheckpointKindSnapshot CheckpointKind = "snapshot"
	// CheckpointKindIndexOnly persists only the bucket-array snapshot;
	// recovery falls back entirely to scanning the log from the cut
	// forward. It is driven through the coordinator the same way as
	// CheckpointKindFuzzy - the log still has to be cut and flushed for
	// the cut itself to be durable - the distinction is advisory,
	// telling an operator not to expect this checkpoint to shorten a
	// crash recovery scan the way a snapshot capture does.
	CheckpointKindIndexOnly CheckpointKind = "index-only"
)

// StoreConfig holds every tunable a store.Store needs at construction.
// The zero value is not valid; use Default() to get a usable config
// and override individual fields from there.
type StoreConfig struct {
	// NumBuckets sizes the hash index's primary bucket array (rounded
	// up to a power of two by index.New). Never resized afterward.
	NumBuckets uint64

	// PageBits, MemoryBits and SegmentBits size the hybrid log: page
	// size is 1<<PageBits bytes, resident memory is 1<<MemoryBits
	// bytes, and each on-device segment file holds 1<<SegmentBits
	// bytes.
	PageBits    uint
	MemoryBits  uint
	SegmentBits uint

	// MutableFraction is the portion (0,1] of the resident window kept
	// mutable; see hlog.Config.
	MutableFraction float64

	// CheckpointKind is the store's default kind, as returned (mapped
	// to a checkpoint.Kind) by Store.DefaultCheckpointKind.
	// Store.Checkpoint itself always uses the kind its caller passes.
	CheckpointKind CheckpointKind

	// DeviceDir is the directory a file-backed device stores its
	// segments in. Empty selects an in-memory device, useful for
	// tests and the bench subcommand.
	DeviceDir string

	// PreallocateLog is accepted and shown in the startup banner, but
	// no device reads it: segment files are always created on first
	// use and grow lazily.
	PreallocateLog bool

	// CopyReadsToTail enables engine.Options.CopyReadsToTail.
	CopyReadsToTail bool

	// AffinitizedSessions documents the caller's intended session
	// discipline (strict one-goroutine-per-session vs. a session that
	// may migrate, paying a refresh fence on every op); the store
	// itself does not enforce thread affinity, since Go has no portable
	// way to pin a goroutine to an OS thread without runtime.LockOSThread
	// in the caller, so this is metadata for the caller/metrics rather
	// than a behavior switch inside Store.
	AffinitizedSessions bool

	// GCIntervalSeconds is the interval, in seconds, between the
	// store's background log maintenance sweeps: the step that grows
	// ReadOnlyAddress and HeadAddress to keep pace with the tail. Not
	// used for hash index compaction (the spill-bucket table has no
	// compaction sweep - see DESIGN.md's dropped-feature note); the
	// name is kept mirroring the teacher's DBOptions.GCInterval, whose
	// role this most closely replaces.
	GCIntervalSeconds int

	// CheckpointDir is where the checkpoint.MetadataStore persists
	// metadata, index and (for snapshot checkpoints) raw mutable-region
	// capture files.
	CheckpointDir string

	// LogLevel selects the verbosity of every per-subsystem logger the
	// store constructs.
	LogLevel string
}

// Default returns a StoreConfig sized for local development and tests:
// a small in-memory log, a modest bucket count, fuzzy checkpoints.
func Default() StoreConfig {
	return StoreConfig{
		NumBuckets:        1 << 16,
		PageBits:          12, // 4 KiB pages
		MemoryBits:        22, // 4 MiB resident
		SegmentBits:       26, // 64 MiB segments
		MutableFraction:   0.9,
		CheckpointKind:    CheckpointKindFuzzy,
		DeviceDir:         "",
		PreallocateLog:    false,
		CopyReadsToTail:   false,
		GCIntervalSeconds: 60,
		CheckpointDir:     "checkpoints",
		LogLevel:          "info",
	}
}

// Validate reports the first configuration error found, the same
// up-front-validation role common.ServerConfig's callers perform
// before constructing anything that depends on the config.
func (c StoreConfig) Validate() error {
	if c.NumBuckets == 0 {
		return fmt.Errorf("config: NumBuckets must be positive")
	}
	if c.MemoryBits < c.PageBits {
		return fmt.Errorf("config: MemoryBits must be >= PageBits")
	}
	if c.MutableFraction <= 0 || c.MutableFraction > 1 {
		return fmt.Errorf("config: MutableFraction must be in (0,1]")
	}
	switch c.CheckpointKind {
	case CheckpointKindFuzzy, CheckpointKindSnapshot, CheckpointKindIndexOnly:
	default:
		return fmt.Errorf("config: unknown CheckpointKind %q", c.CheckpointKind)
	}
	return nil
}

// LogLevelParsed is a small convenience wrapper around
// logging.ParseLevel so callers don't need to import lib/logging just
// to read a config field.
func (c StoreConfig) LogLevelParsed() logging.Level {
	return logging.ParseLevel(c.LogLevel)
}

// String formats the config for a server startup banner, in the same
// section-header style as common.ServerConfig.String().
func (c StoreConfig) String() string {
	var sb strings.Builder
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(strings.ToUpper(title))
		sb.WriteString("\n")
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-20s: %s\n", name, value))
	}

	addSection("Hash Index")
	addField("Num Buckets", strconv.FormatUint(c.NumBuckets, 10))

	addSection("Hybrid Log")
	addField("Page Bits", strconv.FormatUint(uint64(c.PageBits), 10))
	addField("Memory Bits", strconv.FormatUint(uint64(c.MemoryBits), 10))
	addField("Segment Bits", strconv.FormatUint(uint64(c.SegmentBits), 10))
	addField("Mutable Fraction", fmt.Sprintf("%.2f", c.MutableFraction))
	addField("Copy Reads To Tail", fmt.Sprintf("%t", c.CopyReadsToTail))

	addSection("Device")
	dir := c.DeviceDir
	if dir == "" {
		dir = "(in-memory)"
	}
	addField("Device Dir", dir)
	addField("Preallocate Log", fmt.Sprintf("%t", c.PreallocateLog))

	addSection("Checkpointing")
	addField("Checkpoint Dir", c.CheckpointDir)
	addField("Checkpoint Kind", string(c.CheckpointKind))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
