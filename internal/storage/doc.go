// Package storage keeps the run history: one record per finished task.
//
// It is an operator log. Pending work is never persisted.
package storage
