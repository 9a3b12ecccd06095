/*
Package session persists interpreter sessions and their execution history in
the KV store.

Key layout, namespace-prefixed by the KV facade:

	session:{id}            hash    the session record
	session:{id}:execs      list    execution ids, newest first, capped
	sessions:index          set     all live session ids
	sessions:entity:{eid}   set     session ids per entity
	exec:{id}               hash    one execution record

Every mutation rewrites the hash, re-asserts both index memberships, and
refreshes the hash ttl in one non-transactional pipeline, so the write works
unchanged against a sharded store. Expiry is two-layered: functionally a
session is gone the moment its expires-at passes (Get reports NotFound), and
physically the sweep deletes the record and cleans the indexes. The hash ttl
runs two sweep intervals past expiry as a backstop for a daemon that died
with the sweeper stopped; reads tolerate and prune the dangling index
members that leaves behind.

Last-activity is monotonic: concurrent updates race on read-modify-write,
but a stale writer can only lose the fields it touched, never roll
last-activity or expiry backwards.
*/
package session
