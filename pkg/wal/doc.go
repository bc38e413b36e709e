/*
Package wal is the append-only event log: line-delimited JSON records of
{seq, event}, buffered in memory and made durable by group commit — one
fsync for many appends, on a fixed interval or a buffer threshold.

Compaction rewrites the log through a temp file, fsync, atomic rename, and
directory sync. A corrupt tail rotates the damaged file to a numbered .bak
(three generations kept) and preserves the valid prefix.
*/
package wal
