// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
peerd is a bitcoin peer-to-peer relay daemon.

It maintains a set of connections to other nodes on the bitcoin network,
relays transactions and blocks between them, and serves blocks and headers
it has stored to peers that request them.  It does not perform full chain
validation, mine, or provide wallet functionality.

Usage:

	peerd [OPTIONS]

Application Options:

	-V, --version         Display version information and exit
	-C, --configfile=     Path to configuration file
	-b, --datadir=        Directory to store data
	    --logdir=         Directory to log output
	-a, --addpeer=        Add a peer to connect with at startup
	    --connect=        Connect only to the specified peers at startup
	    --nolisten        Disable listening for incoming connections --
	                      NOTE: Listening is automatically disabled if the
	                      --connect or --proxy options are used
	-p, --port=           Listen for connections on this port (default:
	                      8333, testnet: 18333)
	    --maxpeers=       Max number of inbound and outbound peers
	    --nodnsseed       Disable DNS seeding for peers
	    --proxy=          Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)
	    --proxyuser=      Username for proxy server
	    --proxypass=      Password for proxy server
	    --testnet         Use the test network
	    --regtest         Use the regression test network
	    --signet          Use the signet test network
	    --norelaytx       Do not accept transactions from remote peers
	    --profile=        Enable HTTP profiling on given port -- NOTE port
	                      must be between 1024 and 65535
	-d, --debuglevel=     Logging level for all subsystems {trace, debug,
	                      info, warn, error, critical} -- You may also
	                      specify <subsystem>=<level>,<subsystem2>=<level>,...
	                      to set the log level for individual subsystems

Help Options:

	-h, --help           Show this help message
*/
package main
