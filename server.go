// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peersuite/peerd/blockdb"
	"github.com/peersuite/peerd/chaincfg"
	"github.com/peersuite/peerd/chaincfg/chainhash"
	"github.com/peersuite/peerd/mempool"
	"github.com/peersuite/peerd/peer"
	"github.com/peersuite/peerd/wire"
)

const (
	// maxDNSSeedPeers is the maximum number of addresses accepted from a
	// single DNS seed.
	maxDNSSeedPeers = 5

	// connectionRetryInterval is the base amount of time to wait in
	// between retries when connecting to persistent peers.
	connectionRetryInterval = time.Second * 10

	// defaultServices describes the default services that are supported by
	// the server.
	defaultServices = wire.SFNodeNetwork
)

// userAgentName is the user agent name and is used to help identify ourselves
// to other bitcoin peers.
var userAgentName = "peerd"

// userAgentVersion is the user agent version and is used to help identify
// ourselves to other bitcoin peers.
var userAgentVersion = fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)

// broadcastMsg provides the ability to house a bitcoin message to be
// broadcast to all connected peers except specified excluded peers.
type broadcastMsg struct {
	message      wire.Message
	excludePeers []*serverPeer
}

// relayMsg packages an inventory vector along with the newly discovered
// inventory so the relay has access to that information.
type relayMsg struct {
	invVect *wire.InvVect
	data    interface{}
}

// peerState maintains state of inbound and outbound peers the server is
// connected to.  It is only accessed from the peerHandler goroutine.
type peerState struct {
	inboundPeers  map[int32]*serverPeer
	outboundPeers map[int32]*serverPeer
}

// Count returns the count of all known peers.
func (ps *peerState) Count() int {
	return len(ps.inboundPeers) + len(ps.outboundPeers)
}

// forAllPeers is a helper function that runs closure on all peers known to
// peerState.
func (ps *peerState) forAllPeers(closure func(sp *serverPeer)) {
	for _, sp := range ps.inboundPeers {
		closure(sp)
	}
	for _, sp := range ps.outboundPeers {
		closure(sp)
	}
}

// serverPeer extends the peer to maintain state shared by the server.
type serverPeer struct {
	*peer.Peer

	server         *server
	persistent     bool
	relayMtx       sync.Mutex
	disableRelayTx bool
	lastBlockAnn   *chainhash.Hash
	quit           chan struct{}
}

// newServerPeer returns a new serverPeer instance.
func newServerPeer(s *server, isPersistent bool) *serverPeer {
	return &serverPeer{
		server:     s,
		persistent: isPersistent,
		quit:       make(chan struct{}),
	}
}

// setDisableRelayTx toggles relaying of transactions for the given peer.
// It is safe for concurrent access.
func (sp *serverPeer) setDisableRelayTx(disable bool) {
	sp.relayMtx.Lock()
	sp.disableRelayTx = disable
	sp.relayMtx.Unlock()
}

// relayTxDisabled returns whether or not relaying of transactions for the
// given peer is disabled.  It is safe for concurrent access.
func (sp *serverPeer) relayTxDisabled() bool {
	sp.relayMtx.Lock()
	isDisabled := sp.disableRelayTx
	sp.relayMtx.Unlock()

	return isDisabled
}

// setLastAnnouncedBlock updates the hash of the most recent block the peer
// announced.  It is safe for concurrent access.
func (sp *serverPeer) setLastAnnouncedBlock(hash *chainhash.Hash) {
	sp.relayMtx.Lock()
	sp.lastBlockAnn = hash
	sp.relayMtx.Unlock()
}

// lastAnnouncedBlock returns the hash of the most recently announced block or
// nil when the peer has not announced one.  It is safe for concurrent access.
func (sp *serverPeer) lastAnnouncedBlock() *chainhash.Hash {
	sp.relayMtx.Lock()
	hash := sp.lastBlockAnn
	sp.relayMtx.Unlock()

	return hash
}

// OnVersion is invoked when a peer receives a version message.  It notes the
// peer's transaction relay preference from the advertised version.
func (sp *serverPeer) OnVersion(_ *peer.Peer, msg *wire.MsgVersion) {
	sp.setDisableRelayTx(msg.DisableRelayTx)
	srvrLog.Debugf("New valid peer %s, user agent: %s", sp, msg.UserAgent)
}

// OnTx is invoked when a peer receives a tx message.  The transaction is
// submitted to the memory pool and, when accepted, relayed to the other
// connected peers.
func (sp *serverPeer) OnTx(_ *peer.Peer, msg *wire.MsgTx) {
	if cfg.DisableRelayTx {
		peerLog.Tracef("Ignoring tx %v from %v - transaction relay is "+
			"disabled", msg.TxHash(), sp)
		return
	}

	txHash := msg.TxHash()
	iv := wire.NewInvVect(wire.InvTypeTx, &txHash)
	sp.AddKnownInventory(iv)

	err := sp.server.txPool.SubmitTransaction(msg)
	if err != nil {
		// When the error is a rule error, it means the transaction was
		// simply rejected as opposed to something actually going
		// wrong, so log it as such.  Otherwise, something really did
		// go wrong, so log it as an actual error.
		var ruleErr mempool.RuleError
		if errors.As(err, &ruleErr) {
			srvrLog.Debugf("Rejected transaction %v from %s: %v",
				txHash, sp, err)
		} else {
			srvrLog.Errorf("Failed to process transaction %v: %v",
				txHash, err)
		}

		// Convert the error into an appropriate reject message and
		// send it.
		code, reason := mempool.ErrToRejectErr(err)
		sp.PushRejectMsg(wire.CmdTx, code, reason, &txHash, false)
		return
	}

	srvrLog.Debugf("Accepted transaction %v from %s (pool size: %v)",
		txHash, sp, sp.server.txPool.Count())
	sp.server.RelayInventory(iv, msg)
}

// OnBlock is invoked when a peer receives a block message.  The block is
// stored and, when it extends the best chain, announced to the other
// connected peers.
func (sp *serverPeer) OnBlock(_ *peer.Peer, msg *wire.MsgBlock) {
	blockHash := msg.BlockHash()
	iv := wire.NewInvVect(wire.InvTypeBlock, &blockHash)
	sp.AddKnownInventory(iv)

	prevTip, _ := sp.server.blockStore.ChainTip()
	if err := sp.server.blockStore.StoreBlock(msg); err != nil {
		srvrLog.Errorf("Failed to store block %v: %v", blockHash, err)
		sp.PushRejectMsg(wire.CmdBlock, wire.RejectInvalid,
			err.Error(), &blockHash, false)
		return
	}

	// Remove any transactions that are now confirmed from the memory pool
	// and relay the block when the chain tip advanced.
	newTip, newHeight := sp.server.blockStore.ChainTip()
	if newTip != prevTip {
		for _, tx := range msg.Transactions {
			txHash := tx.TxHash()
			sp.server.txPool.RemoveTransaction(&txHash)
		}
		sp.UpdateLastBlockHeight(newHeight)
		sp.server.UpdatePeerHeights(&newTip, newHeight, sp.Peer)
		sp.server.RelayInventory(iv, &msg.Header)
		srvrLog.Infof("Stored block %v (height %d) from %s", blockHash,
			newHeight, sp)
	} else {
		srvrLog.Debugf("Stored side block %v from %s", blockHash, sp)
	}
}

// OnInv is invoked when a peer receives an inv message.  The server requests
// the advertised inventory it does not already have.
func (sp *serverPeer) OnInv(_ *peer.Peer, msg *wire.MsgInv) {
	gdmsg := wire.NewMsgGetData()
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeTx:
			sp.AddKnownInventory(iv)
			if cfg.DisableRelayTx {
				continue
			}
			if sp.server.txPool.HaveTransaction(&iv.Hash) {
				continue
			}

		case wire.InvTypeBlock:
			sp.AddKnownInventory(iv)
			blockHash := iv.Hash
			sp.setLastAnnouncedBlock(&blockHash)
			haveBlock, err := sp.server.blockStore.HaveBlock(&iv.Hash)
			if err != nil || haveBlock {
				continue
			}

		default:
			peerLog.Tracef("Ignoring invalid inv type %d from %s",
				iv.Type, sp)
			continue
		}

		if err := gdmsg.AddInvVect(iv); err != nil {
			break
		}
	}
	if len(gdmsg.InvList) > 0 {
		sp.QueueMessage(gdmsg, nil)
	}
}

// OnGetData is invoked when a peer receives a getdata message.  Requested
// transactions and blocks are served from the memory pool and the block
// store, and a notfound message is returned for anything that could not be
// found.
func (sp *serverPeer) OnGetData(_ *peer.Peer, msg *wire.MsgGetData) {
	notFound := wire.NewMsgNotFound()

	// A doneChan is used on the final message to flag when the entire
	// batch has been sent.
	var doneChan chan struct{}
	var lastQueued wire.Message
	for _, iv := range msg.InvList {
		var reply wire.Message
		switch iv.Type {
		case wire.InvTypeTx:
			tx, err := sp.server.txPool.FetchTransaction(&iv.Hash)
			if err == nil {
				reply = tx
			}

		case wire.InvTypeBlock:
			block, err := sp.server.blockStore.FetchBlock(&iv.Hash)
			if err == nil {
				reply = block
			}
		}

		if reply == nil {
			notFound.AddInvVect(iv)
			continue
		}
		if lastQueued != nil {
			sp.QueueMessage(lastQueued, nil)
		}
		lastQueued = reply
	}

	if len(notFound.InvList) != 0 {
		if lastQueued != nil {
			sp.QueueMessage(lastQueued, nil)
		}
		lastQueued = notFound
	}
	if lastQueued != nil {
		doneChan = make(chan struct{}, 1)
		sp.QueueMessage(lastQueued, doneChan)

		// Wait for the batch to drain so a huge getdata cannot queue
		// up an unbounded amount of memory.
		select {
		case <-doneChan:
		case <-sp.quit:
		}
	}
}

// OnGetHeaders is invoked when a peer receives a getheaders message.  Headers
// after the most recent known block in the provided locator are returned, up
// to the per-message maximum.
func (sp *serverPeer) OnGetHeaders(_ *peer.Peer, msg *wire.MsgGetHeaders) {
	headers, err := sp.server.blockStore.FetchHeaders(msg.BlockLocatorHashes,
		&msg.HashStop)
	if err != nil {
		srvrLog.Errorf("Failed to fetch headers for %s: %v", sp, err)
		return
	}

	headersMsg := wire.NewMsgHeaders()
	for _, header := range headers {
		headersMsg.AddBlockHeader(header)
	}
	sp.QueueMessage(headersMsg, nil)
}

// OnHeaders is invoked when a peer receives a headers message.  The headers
// are connected to the known chain where possible.
func (sp *serverPeer) OnHeaders(_ *peer.Peer, msg *wire.MsgHeaders) {
	numConnected, err := sp.server.blockStore.StoreHeaders(msg.Headers)
	if err != nil {
		srvrLog.Errorf("Failed to store headers from %s: %v", sp, err)
		return
	}
	if numConnected > 0 {
		_, height := sp.server.blockStore.ChainTip()
		srvrLog.Debugf("Connected %d headers from %s (new height %d)",
			numConnected, sp, height)
	}
}

// OnGetAddr is invoked when a peer receives a getaddr message.  The addresses
// of the currently connected peers are returned.
func (sp *serverPeer) OnGetAddr(_ *peer.Peer, msg *wire.MsgGetAddr) {
	// Do not accept getaddr requests from outbound peers.  This reduces
	// fingerprinting attacks.
	if !sp.Inbound() {
		return
	}

	peers := sp.server.ConnectedPeers()
	addrs := make([]*wire.NetAddress, 0, len(peers))
	for _, connectedPeer := range peers {
		if connectedPeer.ID() == sp.ID() {
			continue
		}
		addrs = append(addrs, connectedPeer.NA())
	}

	if _, err := sp.PushAddrMsg(addrs); err != nil {
		srvrLog.Errorf("Can't push address message to %s: %v", sp, err)
		sp.Disconnect()
	}
}

// OnAddr is invoked when a peer receives an addr message.  Since there is no
// address manager, the advertised addresses are only logged.
func (sp *serverPeer) OnAddr(_ *peer.Peer, msg *wire.MsgAddr) {
	// A message that has no addresses is invalid.
	if len(msg.AddrList) == 0 {
		srvrLog.Errorf("Command [%s] from %s does not contain any "+
			"addresses", msg.Command(), sp)
		sp.Disconnect()
		return
	}

	srvrLog.Debugf("Received %d addresses from %s", len(msg.AddrList), sp)
}

// server provides a bitcoin server for handling communications to and
// from bitcoin peers.
type server struct {
	// The following variables must only be used atomically.
	started  int32
	shutdown int32

	chainParams *chaincfg.Params
	txPool      *mempool.TxPool
	blockStore  *blockdb.BlockStore
	listeners   []net.Listener

	newPeers          chan *serverPeer
	donePeers         chan *serverPeer
	peerHeightsUpdate chan updatePeerHeightsMsg
	relayInv          chan relayMsg
	broadcast         chan broadcastMsg
	query             chan interface{}
	wg                sync.WaitGroup
	quit              chan struct{}
}

// updatePeerHeightsMsg is a message sent from the block handling goroutines to
// the server peer handler to update the heights of the peers that announced
// the latest connected block.
type updatePeerHeightsMsg struct {
	newHash    *chainhash.Hash
	newHeight  int32
	originPeer *peer.Peer
}

// getConnCountMsg is a query to retrieve the current connection count.
type getConnCountMsg struct {
	reply chan int32
}

// getPeersMsg is a query to retrieve all currently connected peers.
type getPeersMsg struct {
	reply chan []*serverPeer
}

// handleUpdatePeerHeights updates the heights of all peers who have announced
// the latest connected main chain block, or a recognized orphan.
func (s *server) handleUpdatePeerHeights(state *peerState, umsg updatePeerHeightsMsg) {
	state.forAllPeers(func(sp *serverPeer) {
		// The origin peer should already have the updated height.
		if sp.Peer == umsg.originPeer {
			return
		}

		// Skip this peer if they haven't recently announced this block.
		latestBlkHash := sp.lastAnnouncedBlock()
		if latestBlkHash == nil || *latestBlkHash != *umsg.newHash {
			return
		}

		sp.UpdateLastBlockHeight(umsg.newHeight)
	})
}

// handleAddPeerMsg deals with adding new peers.  It is invoked from the
// peerHandler goroutine.
func (s *server) handleAddPeerMsg(state *peerState, sp *serverPeer) bool {
	if sp == nil {
		return false
	}

	// Ignore new peers if we're shutting down.
	if atomic.LoadInt32(&s.shutdown) != 0 {
		srvrLog.Infof("New peer %s ignored - server is shutting down", sp)
		sp.Disconnect()
		return false
	}

	// Limit max number of total peers.
	if state.Count() >= cfg.MaxPeers {
		srvrLog.Infof("Max peers reached [%d] - disconnecting peer %s",
			cfg.MaxPeers, sp)
		sp.Disconnect()
		return false
	}

	// Add the new peer and start it.
	srvrLog.Debugf("New peer %s", sp)
	if sp.Inbound() {
		state.inboundPeers[sp.ID()] = sp
	} else {
		state.outboundPeers[sp.ID()] = sp
	}
	return true
}

// handleDonePeerMsg deals with peers that have signalled they are done.  It is
// invoked from the peerHandler goroutine.
func (s *server) handleDonePeerMsg(state *peerState, sp *serverPeer) {
	var list map[int32]*serverPeer
	if sp.Inbound() {
		list = state.inboundPeers
	} else {
		list = state.outboundPeers
	}
	if _, ok := list[sp.ID()]; ok {
		delete(list, sp.ID())
		srvrLog.Debugf("Removed peer %s", sp)
	}

	close(sp.quit)

	// Persistent peers are retried once the disconnect is detected.
	if !sp.Inbound() && sp.persistent &&
		atomic.LoadInt32(&s.shutdown) == 0 {

		addr := sp.Addr()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-time.After(connectionRetryInterval):
			case <-s.quit:
				return
			}
			s.connectToPeer(addr, true)
		}()
	}
}

// handleRelayInvMsg deals with relaying inventory to peers that are not
// already known to have it.  It is invoked from the peerHandler goroutine.
func (s *server) handleRelayInvMsg(state *peerState, msg relayMsg) {
	state.forAllPeers(func(sp *serverPeer) {
		if !sp.Connected() {
			return
		}

		if msg.invVect.Type == wire.InvTypeBlock {
			// Generate and send a headers message instead of an inv
			// message when the peer requested it.
			if sp.WantsHeaders() {
				blockHeader, ok := msg.data.(*wire.BlockHeader)
				if !ok {
					peerLog.Warnf("Underlying data for " +
						"headers is not a block header")
					return
				}
				msgHeaders := wire.NewMsgHeaders()
				if err := msgHeaders.AddBlockHeader(blockHeader); err != nil {
					peerLog.Errorf("Failed to add block "+
						"header: %v", err)
					return
				}
				sp.QueueMessage(msgHeaders, nil)
				return
			}
		}

		if msg.invVect.Type == wire.InvTypeTx {
			// Don't relay the transaction to the peer when it has
			// transaction relaying disabled.
			if sp.relayTxDisabled() {
				return
			}
		}

		// Queue the inventory to be relayed with the next batch.  It
		// will be ignored if the peer is already known to have the
		// inventory.
		sp.QueueInventory(msg.invVect)
	})
}

// handleBroadcastMsg deals with broadcasting messages to peers.  It is invoked
// from the peerHandler goroutine.
func (s *server) handleBroadcastMsg(state *peerState, bmsg *broadcastMsg) {
	state.forAllPeers(func(sp *serverPeer) {
		if !sp.Connected() {
			return
		}

		for _, ep := range bmsg.excludePeers {
			if sp == ep {
				return
			}
		}

		sp.QueueMessage(bmsg.message, nil)
	})
}

// handleQuery is the central handler for all queries and commands from other
// goroutines related to peer state.
func (s *server) handleQuery(state *peerState, querymsg interface{}) {
	switch msg := querymsg.(type) {
	case getConnCountMsg:
		nconnected := int32(0)
		state.forAllPeers(func(sp *serverPeer) {
			if sp.Connected() {
				nconnected++
			}
		})
		msg.reply <- nconnected

	case getPeersMsg:
		peers := make([]*serverPeer, 0, state.Count())
		state.forAllPeers(func(sp *serverPeer) {
			if !sp.Connected() {
				return
			}
			peers = append(peers, sp)
		})
		msg.reply <- peers
	}
}

// newPeerConfig returns the configuration for the given serverPeer.
func newPeerConfig(sp *serverPeer) *peer.Config {
	return &peer.Config{
		Listeners: peer.MessageListeners{
			OnVersion:    sp.OnVersion,
			OnTx:         sp.OnTx,
			OnBlock:      sp.OnBlock,
			OnInv:        sp.OnInv,
			OnGetData:    sp.OnGetData,
			OnGetHeaders: sp.OnGetHeaders,
			OnHeaders:    sp.OnHeaders,
			OnGetAddr:    sp.OnGetAddr,
			OnAddr:       sp.OnAddr,
		},
		NewestBlock:      sp.server.newestBlock,
		Proxy:            cfg.Proxy,
		UserAgentName:    userAgentName,
		UserAgentVersion: userAgentVersion,
		ChainParams:      sp.server.chainParams,
		Services:         defaultServices,
		DisableRelayTx:   cfg.DisableRelayTx,
	}
}

// newestBlock returns the current best chain tip for use in the version
// message advertised to remote peers.
func (s *server) newestBlock() (*chainhash.Hash, int32, error) {
	hash, height := s.blockStore.ChainTip()
	return &hash, height, nil
}

// inboundPeerConnected is invoked by the listenHandler when a new inbound
// connection is established.  It initializes a new inbound server peer
// instance and starts a goroutine to wait for disconnection.
func (s *server) inboundPeerConnected(conn net.Conn) {
	sp := newServerPeer(s, false)
	sp.Peer = peer.NewInboundPeer(newPeerConfig(sp))
	sp.AssociateConnection(conn)

	s.newPeers <- sp
	go s.peerDoneHandler(sp)
}

// connectToPeer establishes an outbound connection to the provided address and
// hands the resulting peer over to the server.
func (s *server) connectToPeer(addr string, persistent bool) {
	sp := newServerPeer(s, persistent)
	p, err := peer.NewOutboundPeer(newPeerConfig(sp), addr)
	if err != nil {
		srvrLog.Debugf("Cannot create outbound peer %s: %v", addr, err)
		return
	}
	sp.Peer = p

	conn, err := peerdDial("tcp", addr)
	if err != nil {
		srvrLog.Debugf("Failed to connect to %s: %v", addr, err)
		if persistent && atomic.LoadInt32(&s.shutdown) == 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				select {
				case <-time.After(connectionRetryInterval):
				case <-s.quit:
					return
				}
				s.connectToPeer(addr, persistent)
			}()
		}
		return
	}
	sp.AssociateConnection(conn)

	s.newPeers <- sp
	go s.peerDoneHandler(sp)
}

// peerDoneHandler handles peer disconnects by notifying the server that it's
// done.
func (s *server) peerDoneHandler(sp *serverPeer) {
	sp.WaitForDisconnect()
	s.donePeers <- sp
}

// seedFromDNS uses the DNS seeds of the active network to discover peer
// addresses and connects to a few of them.
func (s *server) seedFromDNS() {
	if cfg.DisableDNSSeed || len(s.chainParams.DNSSeeds) == 0 {
		return
	}

	for _, seeder := range s.chainParams.DNSSeeds {
		go func(seeder string) {
			seedpeers, err := dnsDiscover(seeder)
			if err != nil {
				srvrLog.Infof("DNS discovery failed on seed %s: %v",
					seeder, err)
				return
			}
			numPeers := len(seedpeers)
			srvrLog.Debugf("%d addresses found from DNS seed %s",
				numPeers, seeder)
			if numPeers == 0 {
				return
			}

			// Connect to a random subset of the discovered
			// addresses.
			if numPeers > maxDNSSeedPeers {
				mrand.Shuffle(numPeers, func(i, j int) {
					seedpeers[i], seedpeers[j] =
						seedpeers[j], seedpeers[i]
				})
				seedpeers = seedpeers[:maxDNSSeedPeers]
			}
			for _, ip := range seedpeers {
				addr := net.JoinHostPort(ip.String(),
					s.chainParams.DefaultPort)
				go s.connectToPeer(addr, false)
			}
		}(seeder)
	}
}

// peerHandler is used to handle peer operations such as adding and removing
// peers to and from the server and relaying and broadcasting messages to
// peers.  It must be run in a goroutine.
func (s *server) peerHandler() {
	state := &peerState{
		inboundPeers:  make(map[int32]*serverPeer),
		outboundPeers: make(map[int32]*serverPeer),
	}

	if !cfg.DisableDNSSeed {
		s.seedFromDNS()
	}

	// Establish connections to the configured peers.
	permanentPeers := cfg.ConnectPeers
	if len(permanentPeers) == 0 {
		permanentPeers = cfg.AddPeers
	}
	for _, addr := range permanentPeers {
		go s.connectToPeer(addr, true)
	}

out:
	for {
		select {
		// New peers connected to the server.
		case p := <-s.newPeers:
			s.handleAddPeerMsg(state, p)

		// Disconnected peers.
		case p := <-s.donePeers:
			s.handleDonePeerMsg(state, p)

		// Block accepted in the best chain.  Update the heights of
		// the peers that announced it.
		case umsg := <-s.peerHeightsUpdate:
			s.handleUpdatePeerHeights(state, umsg)

		// New inventory to potentially be relayed to other peers.
		case invMsg := <-s.relayInv:
			s.handleRelayInvMsg(state, invMsg)

		// Message to broadcast to all connected peers except those
		// which are excluded by the message.
		case bmsg := <-s.broadcast:
			s.handleBroadcastMsg(state, &bmsg)

		case qmsg := <-s.query:
			s.handleQuery(state, qmsg)

		case <-s.quit:
			// Disconnect all peers on server shutdown.
			state.forAllPeers(func(sp *serverPeer) {
				srvrLog.Tracef("Shutdown peer %s", sp)
				sp.Disconnect()
			})
			break out
		}
	}

	// Drain channels before exiting so nothing is left waiting around
	// to send.
cleanup:
	for {
		select {
		case <-s.newPeers:
		case <-s.donePeers:
		case <-s.peerHeightsUpdate:
		case <-s.relayInv:
		case <-s.broadcast:
		case qmsg := <-s.query:
			// Unblock the caller.
			switch msg := qmsg.(type) {
			case getConnCountMsg:
				msg.reply <- 0
			case getPeersMsg:
				msg.reply <- nil
			}
		default:
			break cleanup
		}
	}
	s.wg.Done()
	srvrLog.Tracef("Peer handler done")
}

// listenHandler is the main listener which accepts incoming connections for
// the server.  It must be run as a goroutine.
func (s *server) listenHandler(listener net.Listener) {
	srvrLog.Infof("Server listening on %s", listener.Addr())
	for atomic.LoadInt32(&s.shutdown) == 0 {
		conn, err := listener.Accept()
		if err != nil {
			// Only log the error if we're not forcibly shutting down.
			if atomic.LoadInt32(&s.shutdown) == 0 {
				srvrLog.Errorf("Can't accept connection: %v", err)
			}
			continue
		}
		s.inboundPeerConnected(conn)
	}
	s.wg.Done()
	srvrLog.Tracef("Listener handler done for %s", listener.Addr())
}

// RelayInventory relays the passed inventory vector to all connected peers
// that are not already known to have it.
func (s *server) RelayInventory(invVect *wire.InvVect, data interface{}) {
	s.relayInv <- relayMsg{invVect: invVect, data: data}
}

// BroadcastMessage sends msg to all peers currently connected to the server
// except those in the passed peers to exclude.
func (s *server) BroadcastMessage(msg wire.Message, exclPeers ...*serverPeer) {
	bmsg := broadcastMsg{message: msg, excludePeers: exclPeers}
	s.broadcast <- bmsg
}

// ConnectedCount returns the number of currently connected peers.
func (s *server) ConnectedCount() int32 {
	replyChan := make(chan int32)
	s.query <- getConnCountMsg{reply: replyChan}
	return <-replyChan
}

// ConnectedPeers returns a slice of all currently connected peers.
func (s *server) ConnectedPeers() []*serverPeer {
	replyChan := make(chan []*serverPeer)
	s.query <- getPeersMsg{reply: replyChan}
	return <-replyChan
}

// UpdatePeerHeights updates the heights of all peers who have announced the
// latest connected main chain block, or a recognized orphan.  These height
// updates allow us to dynamically refresh peer heights, ensuring sync peer
// selection has access to the latest block heights for each peer.
func (s *server) UpdatePeerHeights(latestBlkHash *chainhash.Hash, latestHeight int32, updateSource *peer.Peer) {
	select {
	case s.peerHeightsUpdate <- updatePeerHeightsMsg{
		newHash:    latestBlkHash,
		newHeight:  latestHeight,
		originPeer: updateSource,
	}:
	case <-s.quit:
	}
}

// Start begins accepting connections from peers.
func (s *server) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	srvrLog.Trace("Starting server")

	s.wg.Add(1)
	go s.peerHandler()

	for _, listener := range s.listeners {
		s.wg.Add(1)
		go s.listenHandler(listener)
	}
}

// Stop gracefully shuts down the server by stopping and disconnecting all
// peers and the main listener.
func (s *server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		srvrLog.Infof("Server is already in the process of shutting down")
		return nil
	}

	srvrLog.Warnf("Server shutting down")

	// Stop all the listeners.  There will not be any listeners if
	// listening is disabled.
	for _, listener := range s.listeners {
		err := listener.Close()
		if err != nil {
			return err
		}
	}

	// Signal the remaining goroutines to quit.
	close(s.quit)
	return nil
}

// WaitForShutdown blocks until the main listener and peer handlers are stopped.
func (s *server) WaitForShutdown() {
	s.wg.Wait()
}

// parseListeners splits the list of listen addresses passed in addrs into
// TCP addresses the server can listen on.  An empty host is mapped to all
// interfaces.
func parseListeners(addrs []string) ([]net.Addr, error) {
	netAddrs := make([]net.Addr, 0, len(addrs))
	for _, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %v", portStr, err)
		}

		if host == "" {
			netAddrs = append(netAddrs, &net.TCPAddr{Port: port})
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("invalid listen address %q", addr)
		}
		netAddrs = append(netAddrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return netAddrs, nil
}

// newServer returns a new peerd server configured to listen on addr for the
// bitcoin network type specified by chainParams.  Use start to begin accepting
// connections from peers.
func newServer(listenAddrs []string, blockStore *blockdb.BlockStore,
	chainParams *chaincfg.Params) (*server, error) {

	s := server{
		chainParams:       chainParams,
		blockStore:        blockStore,
		newPeers:          make(chan *serverPeer, cfg.MaxPeers),
		donePeers:         make(chan *serverPeer, cfg.MaxPeers),
		peerHeightsUpdate: make(chan updatePeerHeightsMsg),
		relayInv:          make(chan relayMsg, cfg.MaxPeers),
		broadcast:         make(chan broadcastMsg, cfg.MaxPeers),
		query:             make(chan interface{}),
		quit:              make(chan struct{}),
	}

	s.txPool = mempool.New(&mempool.Config{
		Policy: mempool.Policy{
			MaxTxSize: mempool.DefaultMaxTxSize,
		},
		ChainParams: chainParams,
	})

	if !cfg.DisableListen {
		netAddrs, err := parseListeners(listenAddrs)
		if err != nil {
			return nil, err
		}
		listeners := make([]net.Listener, 0, len(netAddrs))
		for _, addr := range netAddrs {
			listener, err := net.Listen(addr.Network(), addr.String())
			if err != nil {
				srvrLog.Warnf("Can't listen on %s: %v", addr, err)
				continue
			}
			listeners = append(listeners, listener)
		}
		if len(listeners) == 0 {
			return nil, errors.New("no valid listen address")
		}
		s.listeners = listeners
	}

	return &s, nil
}
