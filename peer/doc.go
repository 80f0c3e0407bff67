// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package peer provides a common base for creating and managing Bitcoin network
peers.

# Overview

This package builds upon the wire package, which provides the fundamental
primitives necessary to speak the bitcoin wire protocol, in order to simplify
the process of creating fully functional peers.  In essence, it provides a
common base for creating concurrent safe fully validating nodes, Simplified
Payment Verification (SPV) nodes, proxies, etc.

A quick overview of the major features peer provides are as follows:

  - Provides a basic concurrent safe bitcoin peer for handling bitcoin
    communications via the peer-to-peer protocol
  - Full duplex reading and writing of bitcoin protocol messages
  - Automatic handling of the initial handshake process including protocol
    version negotiation
  - Asynchronous message queuing of outbound messages with optional channel for
    notification when the message is actually sent
  - Flexible peer configuration
  - Caller is responsible for creating outgoing connections and listening for
    incoming connections so they have flexibility to establish connections as
    they see fit (proxies, etc)
  - User agent name and version
  - Bitcoin network
  - Service support signalling (full nodes, bloom filters, etc)
  - Maximum supported protocol version
  - Ability to register callbacks for handling bitcoin protocol messages
  - Inventory message batching and send trickling with known inventory detection
    and avoidance
  - Message sending related helper functions including:
  - Duplicate getheaders message detection and avoidance
  - Scheduled cleanup of satisfied expected responses
  - Message listeners
  - Receive messages via registered callbacks for all handled protocol messages
  - Queries available on the peer including the connection state, calculated
    time offset, protocol version, and negotiated services

# Peer Configuration

All peer configuration is handled with the Config struct.  This allows the
caller to specify things such as the user agent name and version, the bitcoin
network to use, which services it supports, and callbacks to invoke when
bitcoin messages are received.  See the documentation for each field of the
Config struct for more details.

# Inbound and Outbound Peers

A peer can either be inbound or outbound.  The caller is responsible for
establishing the connection to remote peers and listening for incoming
connections.

NewInboundPeer and NewOutboundPeer functions must be followed by calling
AssociateConnection with the connection for the peer to work.  A peer can be
terminated by calling Disconnect.  The handshake then proceeds asynchronously
and the peer reaches its ready state once the version exchange completes in
both directions.

# Callbacks

In order to do anything useful with a peer, it is necessary to react to bitcoin
messages.  This is accomplished by registering callbacks via the Config struct.

It is often useful to use closures which encapsulate state when registering the
callback handlers.  This provides a clean method for accessing that state when
callbacks are invoked.

# Queuing Messages and Inventory

The QueueMessage function provides the fundamental means to send messages to
the remote peer.  Similarly, the QueueInventory function provides a mechanism
to queue inventory vectors which are intended to be relayed to the remote
peer.  The QueueInventory function employs batching and trickling along with
intelligent known remote peer inventory detection and avoidance through the
use of a most-recently used algorithm.

# Message Sending Helper Functions

In addition to the bare QueueMessage function previously described, the
PushAddrMsg, PushGetHeadersMsg, and PushRejectMsg functions are provided as a
convenience.  While it is of course possible to create and send these messages
manually via QueueMessage, these helper functions provide additional nice
functionality that is typically desired.

# Peer Statistics

A snapshot of the current peer statistics can be obtained with the
StatsSnapshot function.  This includes statistics such as the total number of
bytes read and written, the remote address, user agent, and negotiated
protocol version.

# Logging

This package provides extensive logging capabilities through the UseLogger
function which allows a btclog.Logger to be used for seeing all of the details
about a peer, such as all messages sent and received.

# Bitcoin Improvement Proposals

This package supports all BIPS supported by the wire package.
*/
package peer
