// Package cellkernel drives a remote interpreter process one notebook cell at
// a time and streams structured results back to the caller.
package cellkernel

// Version is the cellkernel release version.
const Version = "v0.1.0"
