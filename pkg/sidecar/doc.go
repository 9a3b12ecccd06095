// Package sidecar is the HTTP client for the agent that runs inside every
// execution pod. The orchestrator never execs into pods; all interaction with
// code and files goes through this protocol on the sidecar port.
//
//	                      pod
//	 ┌─────────┐   HTTP   ┌──────────────────────────┐
//	 │ runner  │────────▶│ sidecar :8080             │
//	 │ pool    │          │   POST   /execute         │
//	 │lifecycle│          │   DELETE /execute/{id}    │
//	 └─────────┘          │   POST   /files           │
//	                      │   GET    /files           │
//	                      │   GET    /files/{name}    │
//	                      │   DELETE /files/{name}    │
//	                      │   GET    /ready  /health  │
//	                      └──────────────────────────┘
//
// One Client serves every pod; the target address is passed per call.
// /execute carries its own deadline of code timeout plus a grace window, so
// a hung sidecar cannot wedge the caller. Transport failures with no
// response surface as Unavailable; whether a retry is safe depends on the
// operation and is the caller's call.
package sidecar
