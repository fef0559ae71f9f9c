/*
Package storage is the embedded key-value substrate underneath every table
partition.

Each partition of a table is its own bbolt database file at
<dataRoot>/<namespace>/<name>/<partition>.db, holding one fixed bucket ("p").
There is no cross-partition transaction: every Env is independently opened,
read, and written, which is what lets partitions of the same table be
processed by different worker processes without coordination.

# Retry on open

Creating a table's directory and opening its first partition file can race
across processes (one process mkdir's the directory while another is mid-open).
Open retries up to 100 times at a 10ms interval before giving up.

# Transaction model

Reads use Env.Get, Env.ForEach, and Env.Cursor, all backed by bolt.DB.View.
Writes use Env.Put, Env.PutBatch, and Env.Delete, backed by bolt.DB.Update.
PutBatch is all-or-nothing: an error on any key aborts the whole transaction,
leaving the partition unchanged.
*/
package storage
