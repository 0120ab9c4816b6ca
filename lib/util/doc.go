// Package util provides small lock-free and single-threaded data
// structures shared by the epoch manager, hybrid log allocator and
// session layer:
//
//   - Queue: a lock-free multi-producer single-consumer queue used for
//     per-session pending-op lists.
//   - EvictionHeap: a priority queue keyed by page index with O(1)
//     key-based lookup. Nothing in the store uses it; the allocator
//     schedules evictions through the epoch manager instead.
//   - RecordSizeHistogram / LoadStats: sampling-based size and
//     distribution estimators. LoadStats feeds the index load-factor
//     gauge on the store's metrics endpoint; RecordSizeHistogram has no
//     caller in the store.
package util
