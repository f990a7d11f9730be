// Package logx is taskmgr's structured logging on top of zerolog.
//
// Console output is human readable with a short caller; the optional file sink
// is JSON. Service.Apply swaps level and sinks at runtime, and every Logger
// derived from the Service follows the swap.
package logx
