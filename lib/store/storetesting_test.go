package store_test

import (
	"encoding/binary"
	"testing"

	"github.com/hlogdb/hlogdb/lib/codec"
	"github.com/hlogdb/hlogdb/lib/config"
	"github.com/hlogdb/hlogdb/lib/device"
	"github.com/hlogdb/hlogdb/lib/store"
	"github.com/hlogdb/hlogdb/lib/storetesting"
)

// counterFns backs every scenario in this file: plain byte-slice
// values for most scenarios, with Update doubling as an 8-byte
// big-endian counter increment for the RMWCounter scenario (input is
// ignored; the new value is always oldValue's count plus one).
func counterFns() *codec.BytesFunctions {
	return &codec.BytesFunctions{
		Update: func(old, input []byte) []byte {
			if input != nil {
				return append([]byte(nil), input...)
			}
			var n uint64
			if len(old) == 8 {
				n = binary.BigEndian.Uint64(old)
			}
			n++
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, n)
			return buf
		},
	}
}

func storeTestConfig(t *testing.T) config.StoreConfig {
	t.Helper()
	cfg := config.Default()
	cfg.NumBuckets = 64
	cfg.PageBits = 9
	cfg.MemoryBits = 12
	cfg.SegmentBits = 16
	cfg.MutableFraction = 0.7
	cfg.CheckpointDir = t.TempDir()
	return cfg
}

func TestStoreScenarioSuite(t *testing.T) {
	factory := func() (*store.Store, func()) {
		dev := device.NewMemDevice(512)
		s, err := store.NewStore(storeTestConfig(t), dev, counterFns())
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		return s, func() { s.Close() }
	}
	recoverable := func() (device.Device, config.StoreConfig, codec.Functions) {
		return device.NewMemDevice(512), storeTestConfig(t), counterFns()
	}

	storetesting.RunStoreTests(t, "MemDevice", factory, recoverable)
}
