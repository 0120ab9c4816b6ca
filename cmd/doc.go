// Package cmd implements the command-line interface for hlogdb, a
// single-node embedded key-value store. It provides a minimal
// command structure for running a store and smoke-testing it - not a
// full client/server CLI, since hlogdb is a library meant to be
// embedded in a host process rather than talked to over the network.
//
// The package is organized into two subpackages:
//
//   - serve: starts a store and its admin/metrics HTTP surface
//   - bench: runs a tiny smoke-test benchmark against a scratch store
//
// See hlogdb -help for a list of all commands.
package cmd
