// Package storetesting provides a standardized scenario suite that
// runs against any store.Store, mirroring the teacher's
// lib/db/testing.RunKVDBTests: a factory function builds a fresh,
// empty store for each sub-test, and RunStoreTests exercises the
// round-trip, concurrent-RMW, checkpoint/recover and tombstone
// scenarios every hybrid-log implementation must satisfy.
//
// The checkpoint/recover scenario needs to reconstruct a second store
// over the very same device the first one wrote to, so it takes a
// second, lower-level RecoverableFactory that hands back the device,
// config and codec instead of an already-constructed Store.
//
// Example usage:
//
//	factory := func() (*store.Store, func()) {
//		dev := device.NewMemDevice(4096)
//		cfg := config.Default()
//		s, _ := store.NewStore(cfg, dev, myFunctions)
//		return s, func() { s.Close() }
//	}
//	recoverable := func() (device.Device, config.StoreConfig, codec.Functions) {
//		return device.NewMemDevice(4096), config.Default(), myFunctions
//	}
//	storetesting.RunStoreTests(t, "MemDevice", factory, recoverable)
package storetesting
