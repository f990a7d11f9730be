// Package task defines the unit of work handled by taskmgr: the five-level
// Priority ordering and the immutable Item submitted by clients.
//
// Items are plain values. Once submitted, every component works on its own copy,
// so nothing downstream can mutate what a client handed in.
package task
