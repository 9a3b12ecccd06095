// Package api is the HTTP surface of the kiln daemon.
//
//	POST   /exec                                  run code (runner.Request)
//	POST   /sessions          GET /sessions       create / list
//	GET    /sessions/{id}     DELETE              fetch / remove (+state)
//	GET    /sessions/{id}/files                   file index
//	POST   /sessions/{id}/files/presign           mint upload URL
//	GET    /files/{sid}/{fid}/presign             mint download URL
//	PUT    /state/{sid}       GET /state/{sid}    save / load interpreter state
//	GET    /state/{sid}/info  DELETE /state/{sid}
//	GET    /executions/{id}   GET /sessions/{id}/executions
//	GET    /healthz  /readyz  /metrics
//
// Errors leave as {"error":{"code","message"}} with the sentinel mapped to a
// status: invalid argument 400, not found 404, conflict 409, too large 413,
// unavailable 503, deadline 504, anything else 500. File bytes never pass
// through this server; clients talk to the object store with presigned URLs.
package api
