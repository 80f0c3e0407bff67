// Package chaincfg defines chain configuration parameters.
//
// In addition to the main bitcoin network, which is intended for the transfer
// of monetary value, there also exists the following standard networks:
//   - testnet (version 3)
//   - regression test
//   - signet
//
// These networks are incompatible with each other (each sharing a different
// genesis block) and software should handle errors where input intended for
// one network is used on an application instance running on a different
// network.
//
// For library packages, chaincfg provides the ability to lookup chain
// parameters and ensure network types are registered.
//
// For main packages, a (typically global) var may be assigned the address of
// one of the standard Params vars for use as the application's "active"
// network.  When a network parameter is needed, it may then be looked up
// through this variable.
package chaincfg
