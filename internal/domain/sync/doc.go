// Package sync contains the data-synchronization bounded context: sync job
// configuration (field mappings, filters, conflict policy, schedule) and the
// execution records produced by each run.
//
// Records are untyped maps; this layer is agnostic to payload content and
// addresses fields through dotted paths.
package sync
