// Package wavedata is the wave data cache consumed by the mixer. It owns the
// asynchronous wave buffers (WaveData), the multi-buffer streaming sessions
// and the DataCache facade that deduplicates requests by file name and
// buffer signature.
//
// DataCache serializes its public methods with one mutex. I/O completion runs
// on loader goroutines and only ever touches the atomics of the WaveData it
// completes.
package wavedata
