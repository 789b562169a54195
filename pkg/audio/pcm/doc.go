// Package pcm converts between raw 16-bit little-endian PCM bytes, float
// sample buffers and the base64 text encoding used on realtime voice wires.
//
// Every function is pure and safe for concurrent use. Zero-length input
// yields empty output rather than an error.
package pcm
