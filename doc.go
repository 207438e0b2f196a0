/*
Package htab implements handle-based tables on top of an embedded key-value
store (Bolt for files, an in-memory B-tree otherwise).

We implement:

1. A Registry handing out small integer handles for open tables, recycled
via package idm once a table is closed.

2. Tables of byte keys and byte values, optionally keeping several values
per key (duplicate mode) in insertion order.

3. Secondary indices, maintained automatically from primary records by a
caller-provided derive function.

4. Cursors over a whole table or over the duplicates of one key, resolving
secondary entries to primary records.

5. List-hash tables, array-like storage under integer ids with id recycling
and a persisted high-water mark.

# Technical Details

**Engine.**
The Registry talks to storage through the Engine interface. KVEngine is the
default implementation; tests substitute failing engines to exercise the
fatal error policy.

**Buckets.**
Each table is a root bucket named after the table's database name. The root
bucket holds a “table state” record (msgpack) and a nested data bucket
with the entries. All tables of one file share a Bolt database.

**Duplicate keys.**
Bolt keeps one value per key, so in duplicate mode every value is stored
under its own raw key:

	len(key):uvarint key seq:uint64be

where seq comes from the data bucket's sequence. The length prefix keeps the
duplicates of one key contiguous and separate from any other key.

**Secondary indices** store skey -> pkey. They are updated inside the same
Bolt transaction as the primary write, so a primary record and its index
entries are never out of sync on disk. Associations are not persisted and
must be set up again after every open.

**Errors.**
Missing keys are reported as found=false, not as errors. Caller mistakes and
key conflicts are returned as errors wrapping the Err* sentinels. Anything
else is an engine failure: it is logged, passed to Options.OnFatal, then
returned.
*/
package htab
