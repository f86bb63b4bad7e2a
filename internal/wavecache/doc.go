// Package wavecache provides a handle based LRU store with reference counted
// locking and a byte budget. Locked entries are never evicted; unlocked
// entries are purged oldest first when a new entry would exceed the budget.
//
// The cache knows nothing about I/O. Resources may still be loading when they
// are inserted; Destroy is responsible for settling any outstanding work.
package wavecache
