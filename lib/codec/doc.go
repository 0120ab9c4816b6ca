// Package codec defines the host-supplied capability set the store needs
// to treat keys and values as opaque, typed data: hashing, equality,
// (de)serialization, and the two RMW update functions.
//
// The source system this store is modeled on expresses these capabilities
// through an inheritance hierarchy of key/value/functions base classes.
// This package reframes that as a plain interface (Functions) held once by
// the store handle - a capability set, not a class hierarchy. There is no
// reflection or runtime type dispatch: every call site holds a concrete
// Functions value chosen at construction time.
package codec
