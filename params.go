// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/peersuite/peerd/chaincfg"
	"github.com/peersuite/peerd/wire"
)

// activeNetParams is a pointer to the parameters specific to the currently
// active bitcoin network.
var activeNetParams = &mainNetParams

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params
	listenPort string
}

// mainNetParams contains parameters specific to the main network
// (wire.MainNet).
var mainNetParams = params{
	Params:     &chaincfg.MainNetParams,
	listenPort: chaincfg.MainNetParams.DefaultPort,
}

// regressionNetParams contains parameters specific to the regression test
// network (wire.RegTest).
var regressionNetParams = params{
	Params:     &chaincfg.RegressionNetParams,
	listenPort: chaincfg.RegressionNetParams.DefaultPort,
}

// testNet3Params contains parameters specific to the test network (version 3)
// (wire.TestNet3).
var testNet3Params = params{
	Params:     &chaincfg.TestNet3Params,
	listenPort: chaincfg.TestNet3Params.DefaultPort,
}

// sigNetParams contains parameters specific to the signet test network
// (wire.SigNet).
var sigNetParams = params{
	Params:     &chaincfg.SigNetParams,
	listenPort: chaincfg.SigNetParams.DefaultPort,
}

// netName returns the name used when referring to a bitcoin network.  The
// data and log directories are namespaced by this name, which matches the
// name of the underlying network parameters with the exception of the version
// 3 test network which is simply "testnet".
func netName(chainParams *params) string {
	switch chainParams.Net {
	case wire.TestNet3:
		return "testnet"
	default:
		return chainParams.Name
	}
}
