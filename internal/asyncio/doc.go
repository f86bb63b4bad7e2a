// Package asyncio defines the asynchronous file read contract consumed by the
// wave data cache and ships a goroutine backed implementation over afero.
//
// A read is submitted with AsyncRead and identified by a Control. Completion
// is signalled through the request callback, which runs on a loader
// goroutine (or on the goroutine calling AsyncFinish when the read is forced
// to run synchronously). Callbacks must only touch state owned by the
// request's originator.
package asyncio
