// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

// Version is the application version, overridden at link time with
// -ldflags "-X github.com/tuskeNetwork/tuskex-sub001/client/app.Version=...".
var Version = "0.1.0-pre"
