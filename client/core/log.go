// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"github.com/tuskeNetwork/tuskex-sub001/client/comms"
	"github.com/tuskeNetwork/tuskex-sub001/client/db/bolt"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests it.
var log = dex.Disabled

// DisableLog disables all library log output.  Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	log = dex.Disabled
}

// UseLoggerMaker sets the loggers of core and the packages it drives.
func UseLoggerMaker(maker *dex.LoggerMaker) {
	log = maker.Logger("CORE")
	comms.UseLogger(maker.Logger("COMMS"))
	bolt.UseLogger(maker.Logger("DB"))
}
