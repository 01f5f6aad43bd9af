/*
Package storage provides BoltDB-backed persistence for the Fractal
server state.

A single bbolt file holds one bucket per table (molecules, keyword sets,
the specification family, base records, the task and service queues,
compute managers, datasets, internal jobs) plus unique index buckets for
hashes, dedup keys, and names. All values are JSON-encoded.

Unlike a simple per-call CRUD store, every mutating operation of the
core runs inside one Update transaction through the typed Tx wrapper, so
a claim, a result return, or a service iteration commits or rolls back
as a unit. bbolt serializes writers, which is what makes the task queue
claim path safe: two managers can never observe the same available task.

Ids are per-table monotone integers taken from the bucket sequence and
encoded big-endian in keys, so cursor order is id order, which is also
creation order.
*/
package storage
