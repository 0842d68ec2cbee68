// Package logx is courier's zerolog wrapper.
//
// A Service owns the live outputs (console, JSON file and the optional Sink)
// and can swap them at runtime with Apply. Loggers handed out by the Service
// follow those swaps; a zero Logger discards everything.
package logx
