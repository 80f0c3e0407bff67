// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import "time"

// TstNegotiateTimeout overrides the protocol negotiation timeout so tests can
// exercise the timeout path without waiting the full production duration.  It
// returns a function which restores the original value.
func TstNegotiateTimeout(d time.Duration) func() {
	orig := negotiateTimeout
	negotiateTimeout = d
	return func() { negotiateTimeout = orig }
}
