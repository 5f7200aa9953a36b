/*
Package tokenidx implements a secondary index of fungible and non-fungible
token objects of a ledger, keyed by issuing account, on top of an ordered
key-value store (Bolt by default, Badger, or an in-memory engine for tests).

Every store operation is asynchronous: it is executed on the I/O goroutines
of a driver.Driver and returns a *driver.Future.

# Technical Details

**Buckets.**
Each index owns two flat buckets. Badger simulates buckets via key prefixes.

**Record rows.**
The `<index>` bucket maps issuer ‖ [group] ‖ token key to a msgpack value
holding the ledger sequence of the last write and the object blob. An empty
blob is a tombstone. Keys of one issuer are contiguous, so a page is a single
forward range scan starting after the cursor.

**Key lookup.**
The `<index>.keys` bucket maps a token key to issuer ‖ [group]. Upserts use it
to find the current row of a key (which may move when the issuer or group of
an object changes), and FetchByKey uses it for point lookups.

**Last writer wins.**
A write is applied only if it carries a greater sequence than the stored row,
so concurrent upserts of the same key converge regardless of completion order.

**Ledgers.**
The `ledgers` bucket maps a big-endian sequence to the ledger header,
`ledger_hashes` maps a hash back to the sequence, and `meta` holds the range
of written ledgers.

# Cursors

A cursor is the (group,) key of the last returned record, encoded as
uppercase hex. Any well-formed cursor is accepted; a page starts at the first
record strictly after it.
*/
package tokenidx
