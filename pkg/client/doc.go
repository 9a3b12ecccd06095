// Package client is the Go client for the kiln HTTP API, used by the kiln
// CLI and embeddable in other services.
//
//	c := client.New("http://localhost:8000")
//	resp, err := c.Exec(ctx, &runner.Request{Code: "print(1)", Language: "python"})
//
// Server error envelopes are rehydrated into errdefs sentinels, so
// errdefs.IsNotFound and friends work across the wire. File bytes never pass
// through the API: PresignUpload and PresignDownload return direct
// object-store URLs.
package client
