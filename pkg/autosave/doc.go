// Package autosave turns a stream of editor content snapshots into an ordered,
// non-overlapping sequence of persistence calls.
//
// Snapshots are coalesced (last write wins) into a single pending slot. A
// timer opens a quiet window on the first change of a burst; when it fires the
// pending snapshot is saved unless it matches the last persisted fingerprint.
// At most one save runs at a time. Edits arriving during a save are picked up
// when it completes, no earlier than one window after the save started.
package autosave
