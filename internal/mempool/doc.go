// Package mempool provides the buffer allocation strategies used by the wave
// data cache: a fixed block pool that never grows, a bump allocator that is
// released in bulk, and a plain heap allocator.
package mempool
