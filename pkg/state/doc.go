// Package state persists interpreter state blobs across executions in two
// tiers.
//
//	Save ──▶ hot   state:{id}       raw bytes, ttl = session ttl
//	              state:info:{id}  {size, hash, created_at}, same ttl
//	         cold  archive/state/{id} in the object store, written by the
//	              archiver when the hot ttl runs low, no expiry
//
//	Load: hot ──miss──▶ cold ──hit──▶ promote back to hot (best effort)
//
// Blobs arrive base64-encoded from the sidecar and are stored decoded. The
// size cap applies to the decoded bytes and is checked before anything is
// written; the hash is SHA-256 over the same bytes, so a client can verify
// a round trip end to end.
//
// The archiver copies, never moves: the hot entry lapses on its own ttl,
// which keeps reads fast for the session's remaining lifetime while the
// archive already holds a durable copy. Re-archiving is skipped when the
// cold object carries the same content hash.
package state
