// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer_test

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/go-socks/socks"

	"github.com/peersuite/peerd/chaincfg"
	"github.com/peersuite/peerd/chaincfg/chainhash"
	"github.com/peersuite/peerd/peer"
	"github.com/peersuite/peerd/wire"
)

// conn mocks a network connection by implementing the net.Conn interface.  It
// is used to test peer connection without actually opening a network
// connection.
type conn struct {
	io.Reader
	io.Writer
	io.Closer

	// local network, address for the connection.
	laddr net.Addr
	// remote network, address for the connection.
	raddr net.Addr

	// mocks socks proxy if true
	proxy bool
}

// LocalAddr returns the local address for the connection.
func (c conn) LocalAddr() net.Addr {
	return c.laddr
}

// RemoteAddr returns the remote address for the connection.
func (c conn) RemoteAddr() net.Addr {
	if !c.proxy {
		return c.raddr
	}

	host, strPort, _ := net.SplitHostPort(c.raddr.String())
	port, _ := strconv.Atoi(strPort)
	return &socks.ProxiedAddr{
		Net:  c.raddr.Network(),
		Host: host,
		Port: port,
	}
}

// Close handles closing the connection.
func (c conn) Close() error {
	if c.Closer == nil {
		return nil
	}
	return c.Closer.Close()
}

func (c conn) SetDeadline(t time.Time) error      { return nil }
func (c conn) SetReadDeadline(t time.Time) error  { return nil }
func (c conn) SetWriteDeadline(t time.Time) error { return nil }

// addr mocks a network address.
type addr struct {
	net, address string
}

func (m addr) Network() string { return m.net }
func (m addr) String() string  { return m.address }

// pipe turns two mock connections into a full-duplex connection similar to
// net.Pipe to allow pipe's with (fake) addresses.
func pipe(c1, c2 *conn) (*conn, *conn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()

	c1.Writer = w1
	c1.Closer = w1
	c2.Reader = r1
	c1.Reader = r2
	c2.Writer = w2
	c2.Closer = w2

	return c1, c2
}

// peerStats holds the expected peer stats used for testing peer.
type peerStats struct {
	wantUserAgent       string
	wantServices        wire.ServiceFlag
	wantProtocolVersion uint32
	wantLastBlock       int32
	wantStartingHeight  int32
	wantLastPingTime    time.Time
	wantLastPingNonce   uint64
	wantLastPingMicros  int64
	wantTimeOffset      int64
	wantBytesSent       uint64
	wantBytesReceived   uint64
}

// testPeer tests the given peer's flags and stats.
func testPeer(t *testing.T, p *peer.Peer, s peerStats) {
	if p.UserAgent() != s.wantUserAgent {
		t.Fatalf("testPeer: wrong UserAgent - got %v, want %v",
			p.UserAgent(), s.wantUserAgent)
	}

	if p.Services() != s.wantServices {
		t.Fatalf("testPeer: wrong Services - got %v, want %v",
			p.Services(), s.wantServices)
	}

	if !p.LastPingTime().Equal(s.wantLastPingTime) {
		t.Fatalf("testPeer: wrong LastPingTime - got %v, want %v",
			p.LastPingTime(), s.wantLastPingTime)
	}

	if p.LastPingNonce() != s.wantLastPingNonce {
		t.Fatalf("testPeer: wrong LastPingNonce - got %v, want %v",
			p.LastPingNonce(), s.wantLastPingNonce)
	}

	if p.LastPingMicros() != s.wantLastPingMicros {
		t.Fatalf("testPeer: wrong LastPingMicros - got %v, want %v",
			p.LastPingMicros(), s.wantLastPingMicros)
	}

	if p.ProtocolVersion() != s.wantProtocolVersion {
		t.Fatalf("testPeer: wrong ProtocolVersion - got %v, want %v",
			p.ProtocolVersion(), s.wantProtocolVersion)
	}

	if p.LastBlock() != s.wantLastBlock {
		t.Fatalf("testPeer: wrong LastBlock - got %v, want %v",
			p.LastBlock(), s.wantLastBlock)
	}

	// Allow for a deviation of 1s, as the second may tick when the message
	// is in transit and the protocol doesn't support any further precision.
	if p.TimeOffset() != s.wantTimeOffset && p.TimeOffset() != s.wantTimeOffset-1 {
		t.Fatalf("testPeer: wrong TimeOffset - got %v, want %v or %v",
			p.TimeOffset(), s.wantTimeOffset, s.wantTimeOffset-1)
	}

	if p.BytesSent() != s.wantBytesSent {
		t.Fatalf("testPeer: wrong BytesSent - got %v, want %v",
			p.BytesSent(), s.wantBytesSent)
	}

	if p.BytesReceived() != s.wantBytesReceived {
		t.Fatalf("testPeer: wrong BytesReceived - got %v, want %v",
			p.BytesReceived(), s.wantBytesReceived)
	}

	if p.StartingHeight() != s.wantStartingHeight {
		t.Fatalf("testPeer: wrong StartingHeight - got %v, want %v",
			p.StartingHeight(), s.wantStartingHeight)
	}

	stats := p.StatsSnapshot()

	if p.ID() != stats.ID {
		t.Fatalf("testPeer: wrong ID - got %v, want %v", p.ID(), stats.ID)
	}

	if p.Addr() != stats.Addr {
		t.Fatalf("testPeer: wrong Addr - got %v, want %v", p.Addr(),
			stats.Addr)
	}

	if p.LastSend() != stats.LastSend {
		t.Fatalf("testPeer: wrong LastSend - got %v, want %v",
			p.LastSend(), stats.LastSend)
	}

	if p.LastRecv() != stats.LastRecv {
		t.Fatalf("testPeer: wrong LastRecv - got %v, want %v",
			p.LastRecv(), stats.LastRecv)
	}
}

// waitForState polls the peer until it reaches the provided state or the
// timeout elapses.
func waitForState(t *testing.T, p *peer.Peer, want peer.State) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer %v never reached state %v - final state %v", p, want,
		p.State())
}

// setupPeers creates an inbound and outbound peer connected to each other via
// a mock pipe connection and waits until both sides have completed the
// version negotiation.
func setupPeers(t *testing.T, inCfg, outCfg *peer.Config) (*peer.Peer, *peer.Peer) {
	t.Helper()

	inConn, outConn := pipe(
		&conn{raddr: &addr{"tcp", "10.0.0.1:8333"}},
		&conn{raddr: &addr{"tcp", "10.0.0.2:8333"}},
	)

	inPeer := peer.NewInboundPeer(inCfg)
	inPeer.AssociateConnection(inConn)

	outPeer, err := peer.NewOutboundPeer(outCfg, "10.0.0.2:8333")
	if err != nil {
		t.Fatalf("NewOutboundPeer: unexpected err %v", err)
	}
	outPeer.AssociateConnection(outConn)

	waitForState(t, inPeer, peer.StateReady)
	waitForState(t, outPeer, peer.StateReady)
	return inPeer, outPeer
}

// TestPeerConnection tests connection between inbound and outbound peers.
func TestPeerConnection(t *testing.T) {
	verack := make(chan struct{}, 2)
	peerCfg := &peer.Config{
		Listeners: peer.MessageListeners{
			OnVerAck: func(p *peer.Peer, msg *wire.MsgVerAck) {
				verack <- struct{}{}
			},
		},
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		Services:         0,
		AllowSelfConns:   true,
	}
	localAddr, err := net.ResolveTCPAddr("tcp", "10.0.0.1:8333")
	if err != nil {
		t.Fatal(err)
	}
	remoteAddr, err := net.ResolveTCPAddr("tcp", "10.0.0.2:8333")
	if err != nil {
		t.Fatal(err)
	}
	wantStats := peerStats{
		wantUserAgent:       wire.DefaultUserAgent + "peer:1.0/",
		wantServices:        0,
		wantProtocolVersion: peer.MaxProtocolVersion,
		wantLastPingTime:    time.Time{},
		wantLastPingNonce:   uint64(0),
		wantLastPingMicros:  int64(0),
		wantTimeOffset:      int64(0),
		wantBytesSent:       160, // 136 version + 24 verack
		wantBytesReceived:   160,
	}
	tests := []struct {
		name  string
		setup func() (*peer.Peer, *peer.Peer, error)
	}{
		{
			"basic handshake",
			func() (*peer.Peer, *peer.Peer, error) {
				inConn, outConn := pipe(
					&conn{raddr: localAddr},
					&conn{raddr: remoteAddr},
				)

				inPeer := peer.NewInboundPeer(peerCfg)
				inPeer.AssociateConnection(inConn)

				outPeer, err := peer.NewOutboundPeer(peerCfg,
					outConn.RemoteAddr().String())
				if err != nil {
					return nil, nil, err
				}
				outPeer.AssociateConnection(outConn)

				for i := 0; i < 2; i++ {
					select {
					case <-verack:
					case <-time.After(time.Second):
						return nil, nil, errors.New("verack timeout")
					}
				}
				return inPeer, outPeer, nil
			},
		},
		{
			"socks proxy",
			func() (*peer.Peer, *peer.Peer, error) {
				inConn, outConn := pipe(
					&conn{raddr: localAddr, proxy: true},
					&conn{raddr: remoteAddr},
				)

				inPeer := peer.NewInboundPeer(peerCfg)
				inPeer.AssociateConnection(inConn)

				outPeer, err := peer.NewOutboundPeer(peerCfg,
					outConn.RemoteAddr().String())
				if err != nil {
					return nil, nil, err
				}
				outPeer.AssociateConnection(outConn)

				for i := 0; i < 2; i++ {
					select {
					case <-verack:
					case <-time.After(time.Second):
						return nil, nil, errors.New("verack timeout")
					}
				}
				return inPeer, outPeer, nil
			},
		},
	}
	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		inPeer, outPeer, err := test.setup()
		if err != nil {
			t.Fatalf("TestPeerConnection setup #%d: unexpected err %v",
				i, err)
		}
		waitForState(t, inPeer, peer.StateReady)
		waitForState(t, outPeer, peer.StateReady)
		testPeer(t, inPeer, wantStats)
		testPeer(t, outPeer, wantStats)

		inPeer.Disconnect()
		outPeer.Disconnect()
		inPeer.WaitForDisconnect()
		outPeer.WaitForDisconnect()
		if inPeer.State() != peer.StateClosed {
			t.Fatalf("disconnected peer state - got %v, want %v",
				inPeer.State(), peer.StateClosed)
		}
	}
}

// TestProtocolNegotiation ensures the peers agree on the minimum of the two
// advertised protocol versions.
func TestProtocolNegotiation(t *testing.T) {
	inCfg := &peer.Config{
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		AllowSelfConns:   true,
	}
	outCfg := *inCfg
	outCfg.ProtocolVersion = wire.RejectVersion

	inPeer, outPeer := setupPeers(t, inCfg, &outCfg)
	defer inPeer.Disconnect()
	defer outPeer.Disconnect()

	if inPeer.ProtocolVersion() != wire.RejectVersion {
		t.Fatalf("negotiated protocol version - got %v, want %v",
			inPeer.ProtocolVersion(), wire.RejectVersion)
	}
	if outPeer.ProtocolVersion() != wire.RejectVersion {
		t.Fatalf("negotiated protocol version - got %v, want %v",
			outPeer.ProtocolVersion(), wire.RejectVersion)
	}
}

// TestPeerListeners tests that the peer listeners are called as expected.
func TestPeerListeners(t *testing.T) {
	verack := make(chan struct{}, 1)
	ok := make(chan wire.Message, 20)
	inPeerCfg := &peer.Config{
		Listeners: peer.MessageListeners{
			OnGetAddr: func(p *peer.Peer, msg *wire.MsgGetAddr) {
				ok <- msg
			},
			OnAddr: func(p *peer.Peer, msg *wire.MsgAddr) {
				ok <- msg
			},
			OnPing: func(p *peer.Peer, msg *wire.MsgPing) {
				ok <- msg
			},
			OnPong: func(p *peer.Peer, msg *wire.MsgPong) {
				ok <- msg
			},
			OnTx: func(p *peer.Peer, msg *wire.MsgTx) {
				ok <- msg
			},
			OnBlock: func(p *peer.Peer, msg *wire.MsgBlock) {
				ok <- msg
			},
			OnInv: func(p *peer.Peer, msg *wire.MsgInv) {
				ok <- msg
			},
			OnHeaders: func(p *peer.Peer, msg *wire.MsgHeaders) {
				ok <- msg
			},
			OnNotFound: func(p *peer.Peer, msg *wire.MsgNotFound) {
				ok <- msg
			},
			OnGetData: func(p *peer.Peer, msg *wire.MsgGetData) {
				ok <- msg
			},
			OnGetHeaders: func(p *peer.Peer, msg *wire.MsgGetHeaders) {
				ok <- msg
			},
			OnFeeFilter: func(p *peer.Peer, msg *wire.MsgFeeFilter) {
				ok <- msg
			},
			OnSendHeaders: func(p *peer.Peer, msg *wire.MsgSendHeaders) {
				ok <- msg
			},
			OnReject: func(p *peer.Peer, msg *wire.MsgReject) {
				ok <- msg
			},
			OnVerAck: func(p *peer.Peer, msg *wire.MsgVerAck) {
				verack <- struct{}{}
			},
		},
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		Services:         wire.SFNodeBloom,
		AllowSelfConns:   true,
	}
	outPeerCfg := &peer.Config{
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		Services:         wire.SFNodeBloom,
		AllowSelfConns:   true,
	}
	inPeer, outPeer := setupPeers(t, inPeerCfg, outPeerCfg)
	select {
	case <-verack:
	case <-time.After(time.Second):
		t.Fatal("TestPeerListeners: verack timeout")
	}

	tests := []struct {
		listener string
		msg      wire.Message
	}{
		{
			"OnGetAddr",
			wire.NewMsgGetAddr(),
		},
		{
			"OnAddr",
			wire.NewMsgAddr(),
		},
		{
			"OnPing",
			wire.NewMsgPing(42),
		},
		{
			"OnPong",
			wire.NewMsgPong(42),
		},
		{
			"OnTx",
			wire.NewMsgTx(wire.TxVersion),
		},
		{
			"OnBlock",
			wire.NewMsgBlock(wire.NewBlockHeader(1,
				&chainhash.Hash{}, &chainhash.Hash{}, 1, 1)),
		},
		{
			"OnInv",
			wire.NewMsgInv(),
		},
		{
			"OnHeaders",
			wire.NewMsgHeaders(),
		},
		{
			"OnNotFound",
			wire.NewMsgNotFound(),
		},
		{
			"OnGetData",
			wire.NewMsgGetData(),
		},
		{
			"OnGetHeaders",
			wire.NewMsgGetHeaders(),
		},
		{
			"OnFeeFilter",
			wire.NewMsgFeeFilter(15000),
		},
		{
			"OnSendHeaders",
			wire.NewMsgSendHeaders(),
		},
		// only one version message is allowed
		// only one verack message is allowed
		{
			"OnReject",
			wire.NewMsgReject("block", wire.RejectDuplicate, "dupe block"),
		},
	}
	t.Logf("Running %d tests", len(tests))
	for _, test := range tests {
		// Queue the test message
		done := make(chan struct{})
		outPeer.QueueMessage(test.msg, done)
		<-done

		select {
		case <-ok:
		case <-time.After(time.Second):
			t.Fatalf("TestPeerListeners: %s timeout", test.listener)
		}
	}

	// The fee filter from the feefilter message above must have been
	// recorded for relay decisions.
	if inPeer.FeeFilter() != 15000 {
		t.Fatalf("TestPeerListeners: wrong fee filter - got %v, want %v",
			inPeer.FeeFilter(), 15000)
	}

	// Likewise the sendheaders message flips the headers preference.
	if !inPeer.WantsHeaders() {
		t.Fatal("TestPeerListeners: sendheaders preference not recorded")
	}

	inPeer.Disconnect()
	outPeer.Disconnect()
}

// TestOutboundPeer tests that the outbound peer works as expected.
func TestOutboundPeer(t *testing.T) {
	peerCfg := &peer.Config{
		NewestBlock: func() (*chainhash.Hash, int32, error) {
			return nil, 0, errors.New("newest block not found")
		},
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		Services:         0,
		AllowSelfConns:   true,
	}

	// An address without a port must be rejected.
	if _, err := peer.NewOutboundPeer(peerCfg, "10.0.0.1"); err == nil {
		t.Fatal("NewOutboundPeer: expected err for malformed address")
	}

	p, err := peer.NewOutboundPeer(peerCfg, "10.0.0.1:8333")
	if err != nil {
		t.Fatalf("NewOutboundPeer: unexpected err - %v", err)
	}

	// Test trigger disconnects.  The NewestBlock callback errors, so the
	// version message can never be constructed and the handshake fails.
	c1, _ := pipe(
		&conn{raddr: &addr{"tcp", "10.0.0.1:8333"}},
		&conn{raddr: &addr{"tcp", "10.0.0.2:8333"}},
	)
	p.AssociateConnection(c1)
	p.WaitForDisconnect()
	if p.State() != peer.StateClosed {
		t.Fatalf("peer state - got %v, want %v", p.State(), peer.StateClosed)
	}

	// Associating another connection after disconnect must be a no-op.
	c2, _ := pipe(
		&conn{raddr: &addr{"tcp", "10.0.0.1:8333"}},
		&conn{raddr: &addr{"tcp", "10.0.0.2:8333"}},
	)
	p.AssociateConnection(c2)

	if p.Addr() != "10.0.0.1:8333" {
		t.Fatalf("wrong Addr - got %v, want 10.0.0.1:8333", p.Addr())
	}
	if p.Inbound() {
		t.Fatal("outbound peer reported as inbound")
	}
}

// rawVersionMsg returns a version message suitable for manually driving one
// side of the handshake over a raw connection.
func rawVersionMsg(nonce uint64) *wire.MsgVersion {
	na := wire.NewNetAddressIPPort(net.ParseIP("10.0.0.2"), 8333, 0)
	return wire.NewMsgVersion(na, na, nonce, 0)
}

// writeBogusMessage writes a syntactically valid message frame with an
// unrecognized command and an empty payload to the passed writer.
func writeBogusMessage(w io.Writer) error {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(wire.MainNet))
	copy(hdr[4:16], "bogus")
	copy(hdr[20:24], chainhash.DoubleHashB(nil)[0:4])
	_, err := w.Write(hdr[:])
	return err
}

// TestHandshakeViolation ensures a known message other than version as the
// first message terminates the connection with a reject.
func TestHandshakeViolation(t *testing.T) {
	peerCfg := &peer.Config{
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		AllowSelfConns:   true,
	}

	inConn, outConn := pipe(
		&conn{raddr: &addr{"tcp", "10.0.0.1:8333"}},
		&conn{raddr: &addr{"tcp", "10.0.0.2:8333"}},
	)
	inPeer := peer.NewInboundPeer(peerCfg)
	inPeer.AssociateConnection(inConn)

	// Drive the remote side by hand and violate the handshake by sending
	// a ping before the version message.
	err := wire.WriteMessage(outConn, wire.NewMsgPing(1), wire.ProtocolVersion,
		wire.MainNet)
	if err != nil {
		t.Fatalf("WriteMessage: unexpected err - %v", err)
	}

	// The peer must respond with a reject and tear the connection down.
	msg, _, err := wire.ReadMessage(outConn, wire.ProtocolVersion, wire.MainNet)
	if err != nil {
		t.Fatalf("ReadMessage: unexpected err - %v", err)
	}
	rejMsg, ok := msg.(*wire.MsgReject)
	if !ok {
		t.Fatalf("wrong message type %T - want reject", msg)
	}
	if rejMsg.Code != wire.RejectMalformed {
		t.Fatalf("wrong reject code - got %v, want %v", rejMsg.Code,
			wire.RejectMalformed)
	}

	inPeer.WaitForDisconnect()
	if inPeer.State() != peer.StateClosed {
		t.Fatalf("peer state - got %v, want %v", inPeer.State(),
			peer.StateClosed)
	}
}

// TestHandshakeUnknownMessage ensures unrecognized commands received during
// the version negotiation are skipped without aborting the handshake.
func TestHandshakeUnknownMessage(t *testing.T) {
	verack := make(chan struct{}, 1)
	peerCfg := &peer.Config{
		Listeners: peer.MessageListeners{
			OnVerAck: func(p *peer.Peer, msg *wire.MsgVerAck) {
				verack <- struct{}{}
			},
		},
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		AllowSelfConns:   true,
	}

	inConn, outConn := pipe(
		&conn{raddr: &addr{"tcp", "10.0.0.1:8333"}},
		&conn{raddr: &addr{"tcp", "10.0.0.2:8333"}},
	)
	inPeer := peer.NewInboundPeer(peerCfg)
	inPeer.AssociateConnection(inConn)

	// An unknown message ahead of the version message must be skipped.
	if err := writeBogusMessage(outConn); err != nil {
		t.Fatalf("writeBogusMessage: unexpected err - %v", err)
	}
	err := wire.WriteMessage(outConn, rawVersionMsg(1), wire.ProtocolVersion,
		wire.MainNet)
	if err != nil {
		t.Fatalf("WriteMessage: unexpected err - %v", err)
	}

	// Consume the peer's version and verack.
	for _, want := range []string{wire.CmdVersion, wire.CmdVerAck} {
		msg, _, err := wire.ReadMessage(outConn, wire.ProtocolVersion,
			wire.MainNet)
		if err != nil {
			t.Fatalf("ReadMessage: unexpected err - %v", err)
		}
		if msg.Command() != want {
			t.Fatalf("wrong message - got %v, want %v", msg.Command(), want)
		}
	}

	// An unknown message ahead of the verack must be skipped as well.
	if err := writeBogusMessage(outConn); err != nil {
		t.Fatalf("writeBogusMessage: unexpected err - %v", err)
	}
	err = wire.WriteMessage(outConn, wire.NewMsgVerAck(), wire.ProtocolVersion,
		wire.MainNet)
	if err != nil {
		t.Fatalf("WriteMessage: unexpected err - %v", err)
	}

	select {
	case <-verack:
	case <-time.After(time.Second):
		t.Fatal("verack timeout")
	}
	waitForState(t, inPeer, peer.StateReady)
	inPeer.Disconnect()
}

// TestHandshakeTimeout ensures a peer that never completes the version
// negotiation is disconnected.
func TestHandshakeTimeout(t *testing.T) {
	restore := peer.TstNegotiateTimeout(50 * time.Millisecond)
	defer restore()

	peerCfg := &peer.Config{
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		AllowSelfConns:   true,
	}

	inConn, _ := pipe(
		&conn{raddr: &addr{"tcp", "10.0.0.1:8333"}},
		&conn{raddr: &addr{"tcp", "10.0.0.2:8333"}},
	)
	inPeer := peer.NewInboundPeer(peerCfg)
	inPeer.AssociateConnection(inConn)

	done := make(chan struct{})
	go func() {
		inPeer.WaitForDisconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("peer was not disconnected on handshake timeout")
	}
	if inPeer.State() != peer.StateClosed {
		t.Fatalf("peer state - got %v, want %v", inPeer.State(),
			peer.StateClosed)
	}
}

// TestDuplicateVersionMsg ensures a second version message received after the
// handshake has completed results in a disconnect.
func TestDuplicateVersionMsg(t *testing.T) {
	rejectReceived := make(chan struct{}, 1)
	inCfg := &peer.Config{
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		AllowSelfConns:   true,
	}
	outCfg := *inCfg
	outCfg.Listeners = peer.MessageListeners{
		OnReject: func(p *peer.Peer, msg *wire.MsgReject) {
			rejectReceived <- struct{}{}
		},
	}

	inPeer, outPeer := setupPeers(t, inCfg, &outCfg)
	defer outPeer.Disconnect()

	// Queue a duplicate version message from the outbound peer and wait for
	// the resulting reject message.
	done := make(chan struct{})
	outPeer.QueueMessage(rawVersionMsg(2), done)
	<-done

	select {
	case <-rejectReceived:
	case <-time.After(time.Second):
		t.Fatal("never received reject for duplicate version message")
	}

	inPeer.WaitForDisconnect()
	if inPeer.State() != peer.StateClosed {
		t.Fatalf("peer state - got %v, want %v", inPeer.State(),
			peer.StateClosed)
	}
}

// TestQueueInventoryKnown ensures queuing inventory the remote peer is known
// to already have is not relayed.
func TestQueueInventoryKnown(t *testing.T) {
	inCfg := &peer.Config{
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.MainNetParams,
		AllowSelfConns:   true,
	}
	outCfg := *inCfg
	outCfg.TrickleInterval = 10 * time.Millisecond

	invReceived := make(chan *wire.MsgInv, 1)
	inCfg.Listeners = peer.MessageListeners{
		OnInv: func(p *peer.Peer, msg *wire.MsgInv) {
			invReceived <- msg
		},
	}

	inPeer, outPeer := setupPeers(t, inCfg, &outCfg)
	defer inPeer.Disconnect()
	defer outPeer.Disconnect()

	knownHash, err := chainhash.NewHashFromStr("01")
	if err != nil {
		t.Fatalf("NewHashFromStr: unexpected err - %v", err)
	}
	knownInv := wire.NewInvVect(wire.InvTypeTx, knownHash)
	outPeer.AddKnownInventory(knownInv)
	outPeer.QueueInventory(knownInv)

	newHash, err := chainhash.NewHashFromStr("02")
	if err != nil {
		t.Fatalf("NewHashFromStr: unexpected err - %v", err)
	}
	newInv := wire.NewInvVect(wire.InvTypeTx, newHash)
	outPeer.QueueInventory(newInv)

	// Only the unknown inventory vector must be trickled out.
	select {
	case msg := <-invReceived:
		if len(msg.InvList) != 1 {
			t.Fatalf("wrong inv count - got %v, want 1", len(msg.InvList))
		}
		if !msg.InvList[0].Hash.IsEqual(newHash) {
			t.Fatalf("wrong inv hash - got %v, want %v",
				msg.InvList[0].Hash, newHash)
		}
	case <-time.After(time.Second):
		t.Fatal("inventory trickle timeout")
	}
}
