// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/peersuite/peerd/blockdb"
	"github.com/peersuite/peerd/chaincfg"
	"github.com/peersuite/peerd/wire"
	"github.com/stretchr/testify/require"
)

// setupServer creates and starts a server listening on a random localhost
// port using the regression test network.  It returns the server along with
// the address it is listening on and installs cleanup handlers to shut
// everything back down when the test completes.
func setupServer(t *testing.T, maxPeers int) (*server, string) {
	t.Helper()

	origCfg := cfg
	origParams := activeNetParams
	cfg = &config{
		MaxPeers:       maxPeers,
		DisableDNSSeed: true,
	}
	activeNetParams = &regressionNetParams
	t.Cleanup(func() {
		cfg = origCfg
		activeNetParams = origParams
	})

	dbPath := filepath.Join(t.TempDir(), "blocks_leveldb")
	blockStore, err := blockdb.Open(dbPath, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	t.Cleanup(func() { blockStore.Close() })

	s, err := newServer([]string{"127.0.0.1:0"}, blockStore,
		&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		s.WaitForShutdown()
	})

	return s, s.listeners[0].Addr().String()
}

// dialServer establishes a raw connection to the passed server address and
// completes the protocol handshake on it.
func dialServer(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Send our version first since we are the initiating side.
	me := wire.NewNetAddress(conn.LocalAddr().(*net.TCPAddr), 0)
	you := wire.NewNetAddress(conn.RemoteAddr().(*net.TCPAddr), 0)
	verMsg := wire.NewMsgVersion(me, you, uint64(time.Now().UnixNano()), 0)
	err = wire.WriteMessage(conn, verMsg, wire.ProtocolVersion, wire.RegTest)
	require.NoError(t, err)

	// The server replies with its version followed by a verack.
	msg, _, err := wire.ReadMessage(conn, wire.ProtocolVersion, wire.RegTest)
	require.NoError(t, err)
	require.IsType(t, &wire.MsgVersion{}, msg)

	msg, _, err = wire.ReadMessage(conn, wire.ProtocolVersion, wire.RegTest)
	require.NoError(t, err)
	require.IsType(t, &wire.MsgVerAck{}, msg)

	err = wire.WriteMessage(conn, wire.NewMsgVerAck(), wire.ProtocolVersion,
		wire.RegTest)
	require.NoError(t, err)

	return conn
}

// waitForConnCount polls the server until the connected peer count matches
// the expected value or the timeout is hit.
func waitForConnCount(t *testing.T, s *server, want int32) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.ConnectedCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d connected peers, have %d", want,
		s.ConnectedCount())
}

// TestServerHandshake ensures an inbound connection can complete the version
// handshake and exchange a ping/pong round trip afterwards.
func TestServerHandshake(t *testing.T) {
	s, addr := setupServer(t, 8)
	conn := dialServer(t, addr)
	waitForConnCount(t, s, 1)

	// A ping must be answered with a pong echoing the nonce.
	err := wire.WriteMessage(conn, wire.NewMsgPing(42), wire.ProtocolVersion,
		wire.RegTest)
	require.NoError(t, err)

	msg, _, err := wire.ReadMessage(conn, wire.ProtocolVersion, wire.RegTest)
	require.NoError(t, err)
	pong, ok := msg.(*wire.MsgPong)
	require.True(t, ok, "expected pong, got %T", msg)
	require.Equal(t, uint64(42), pong.Nonce)
}

// TestServerGetHeaders ensures a getheaders request is answered with headers
// from the block store.
func TestServerGetHeaders(t *testing.T) {
	_, addr := setupServer(t, 8)
	conn := dialServer(t, addr)

	// An empty locator with the genesis stop hash returns exactly the
	// genesis header.
	getHeaders := wire.NewMsgGetHeaders()
	getHeaders.HashStop = *chaincfg.RegressionNetParams.GenesisHash
	err := wire.WriteMessage(conn, getHeaders, wire.ProtocolVersion,
		wire.RegTest)
	require.NoError(t, err)

	msg, _, err := wire.ReadMessage(conn, wire.ProtocolVersion, wire.RegTest)
	require.NoError(t, err)
	headers, ok := msg.(*wire.MsgHeaders)
	require.True(t, ok, "expected headers, got %T", msg)
	require.Len(t, headers.Headers, 1)
	require.Equal(t, *chaincfg.RegressionNetParams.GenesisHash,
		headers.Headers[0].BlockHash())
}

// TestServerTxReject ensures a transaction that violates the mempool rules is
// answered with a reject message.
func TestServerTxReject(t *testing.T) {
	_, addr := setupServer(t, 8)
	conn := dialServer(t, addr)

	// A transaction with no inputs is invalid.
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	err := wire.WriteMessage(conn, tx, wire.ProtocolVersion, wire.RegTest)
	require.NoError(t, err)

	msg, _, err := wire.ReadMessage(conn, wire.ProtocolVersion, wire.RegTest)
	require.NoError(t, err)
	reject, ok := msg.(*wire.MsgReject)
	require.True(t, ok, "expected reject, got %T", msg)
	require.Equal(t, wire.CmdTx, reject.Cmd)
	require.Equal(t, wire.RejectInvalid, reject.Code)
	require.Equal(t, tx.TxHash(), reject.Hash)
}

// TestServerConcurrentPeers ensures that a session which violates the
// handshake does not disturb concurrently established sessions.
func TestServerConcurrentPeers(t *testing.T) {
	s, addr := setupServer(t, 8)
	dialServer(t, addr)
	dialServer(t, addr)

	// The third connection sends a ping before its version, which is a
	// handshake violation answered with a reject before disconnect.
	conn3, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn3.Close()
	conn3.SetDeadline(time.Now().Add(5 * time.Second))

	err = wire.WriteMessage(conn3, wire.NewMsgPing(1), wire.ProtocolVersion,
		wire.RegTest)
	require.NoError(t, err)

	msg, _, err := wire.ReadMessage(conn3, wire.ProtocolVersion, wire.RegTest)
	require.NoError(t, err)
	reject, ok := msg.(*wire.MsgReject)
	require.True(t, ok, "expected reject, got %T", msg)
	require.Equal(t, wire.RejectMalformed, reject.Code)

	// The violating session is torn down and the two completed sessions
	// remain.
	buf := make([]byte, 1)
	_, err = conn3.Read(buf)
	require.Error(t, err)
	waitForConnCount(t, s, 2)
}

// TestServerMaxPeers ensures connections beyond the configured peer limit are
// disconnected.
func TestServerMaxPeers(t *testing.T) {
	s, addr := setupServer(t, 1)
	dialServer(t, addr)
	waitForConnCount(t, s, 1)

	// The second connection is dropped once the server processes it.
	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()
	conn2.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 1)
	_, err = conn2.Read(buf)
	require.Error(t, err)
	waitForConnCount(t, s, 1)
}
