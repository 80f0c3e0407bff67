// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wire implements the bitcoin wire protocol.

For the complete details of the bitcoin protocol, see the official wiki entry
at https://en.bitcoin.it/wiki/Protocol_specification.  The following only
serves as a quick overview to provide information on how to use the package.

At a high level, this package provides support for marshalling and
unmarshalling supported bitcoin messages to and from the wire.  This package
does not deal with the specifics of message handling such as what to do when
a message is received.  This provides the caller with a high level of
flexibility.

# Bitcoin Message Overview

The bitcoin protocol consists of exchanging messages between peers.  Each
message is preceded by a header which identifies information about it such as
which bitcoin network it is a part of, its type, how big it is, and a checksum
to verify validity.  All encoding and decoding of message headers is handled
by this package.

To accomplish this, there is a generic interface for bitcoin messages named
Message which allows messages of any type to be read, written, or passed
around through channels, functions, etc.  In addition, concrete
implementations of most of the currently supported bitcoin messages are
provided.  For these supported messages, all of the details of marshalling and
unmarshalling to and from the wire using bitcoin encoding are handled so the
caller doesn't have to concern themselves with the specifics.

# Message Interaction

The following provides a quick summary of how the bitcoin messages are
intended to interact with one another.  As stated above, these interactions
are not directly handled by this package.

The initial handshake consists of two peers sending each other a version
message (MsgVersion) followed by responding with a verack message
(MsgVerAck).  Both peers use the information in the version message
(MsgVersion) to negotiate things such as protocol version and supported
services with each other.

	getaddr message (MsgGetAddr)
	addr message (MsgAddr)
	getheaders message (MsgGetHeaders)
	headers message (MsgHeaders)
	inv message (MsgInv)
	getdata message (MsgGetData)
	block message (MsgBlock)
	tx message (MsgTx)
	notfound message (MsgNotFound)
	ping message (MsgPing)
	pong message (MsgPong)

# Errors

Errors returned by this package are either the raw errors provided by
underlying calls to read/write from streams such as io.EOF, io.ErrUnexpectedEOF,
and io.ErrShortWrite, or of type wire.MessageError.  This allows the caller to
differentiate between general IO errors and malformed messages through type
assertions.  Malformed message errors additionally wrap a small set of
sentinel errors, such as ErrInvalidMagic and ErrChecksumMismatch, which may be
tested for with errors.Is.
*/
package wire
