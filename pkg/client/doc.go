// Package client is the Go SDK for chaind.
//
// # Reading logbooks
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	list, err := c.Logbooks(ctx)
//
// Proof fetches an inclusion proof and re-checks it against the served root
// on the caller's side, returning ErrProofMismatch when it does not hold.
//
// # Admin calls
//
// Reconstruct needs an admin token. Either pass one with WithBearerToken or
// exchange the admin secret once:
//
//	if _, err := c.Login(ctx, os.Getenv("HODL_SERVER_ADMIN_SECRET"), "ops"); err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.Reconstruct(ctx, "journal", false)
//
// # Bundles
//
// ExportBundle streams a logbook archive and VerifyBundle uploads one for a
// server-side verification against the server's ledger:
//
//	f, _ := os.Open("journal.zip")
//	rep, err := c.VerifyBundle(ctx, f, bundle.Options{})
//
// Failed calls return *APIError, which unwraps to ErrNotFound,
// ErrUnauthorized, ErrConflict or ErrUnavailable for errors.Is checks.
package client
