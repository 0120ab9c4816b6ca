// Package engine implements the Read/Upsert/RMW/Delete operation state
// machine (C6): the glue between the hash index (C5) and the hybrid log
// allocator (C4).
//
// Every operation starts with an index lookup, then resolves the
// record chain it finds through the allocator - synchronously if the
// target address is resident, or by registering a continuation and
// returning pending=true if it has been evicted to the device. The
// retry-on-lost-CAS shape mirrors the teacher's compute() pattern in
// lib/db/engines/maple/maple.go, generalized from one sharded map
// entry to a full log chain.
package engine
