/*
Package objstore wraps the S3-compatible object store behind the small
surface the orchestrator needs.

Everything stored lives under one of three prefixes in a single bucket:

	files/{session-id}/{file-id}        user-supplied session files
	archive/state/{session-id}          cold tier of interpreter state
	outputs/{execution-id}/{i}-{name}   files produced by executions

Put/Get stream; GetBytes and Stat are for the small-blob paths (state,
execution outputs). Errors map onto the shared taxonomy: missing keys are
NotFound, credential rejections PermissionDenied, network failures
Unavailable. Presigned URLs let clients move file bytes directly against
the store so large transfers never transit the orchestrator.
*/
package objstore
