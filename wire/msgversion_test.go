// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// TestVersion tests the MsgVersion API.
func TestVersion(t *testing.T) {
	pver := ProtocolVersion

	// Create version message data.
	lastBlock := int32(234234)
	tcpAddrMe := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8333}
	me := NewNetAddress(tcpAddrMe, SFNodeNetwork)
	tcpAddrYou := &net.TCPAddr{IP: net.ParseIP("192.168.0.1"), Port: 8333}
	you := NewNetAddress(tcpAddrYou, SFNodeNetwork)
	nonce, err := RandomUint64()
	if err != nil {
		t.Errorf("RandomUint64: error generating nonce: %v", err)
	}

	// Ensure we get the correct data back out.
	msg := NewMsgVersion(me, you, nonce, lastBlock)
	if msg.ProtocolVersion != int32(pver) {
		t.Errorf("NewMsgVersion: wrong protocol version - got %v, want %v",
			msg.ProtocolVersion, pver)
	}
	if !reflect.DeepEqual(&msg.AddrMe, me) {
		t.Errorf("NewMsgVersion: wrong me address - got %v, want %v",
			spew.Sdump(&msg.AddrMe), spew.Sdump(me))
	}
	if !reflect.DeepEqual(&msg.AddrYou, you) {
		t.Errorf("NewMsgVersion: wrong you address - got %v, want %v",
			spew.Sdump(&msg.AddrYou), spew.Sdump(you))
	}
	if msg.Nonce != nonce {
		t.Errorf("NewMsgVersion: wrong nonce - got %v, want %v",
			msg.Nonce, nonce)
	}
	if msg.UserAgent != DefaultUserAgent {
		t.Errorf("NewMsgVersion: wrong user agent - got %v, want %v",
			msg.UserAgent, DefaultUserAgent)
	}
	if msg.LastBlock != lastBlock {
		t.Errorf("NewMsgVersion: wrong last block - got %v, want %v",
			msg.LastBlock, lastBlock)
	}
	if msg.DisableRelayTx {
		t.Errorf("NewMsgVersion: disable relay tx is not false by "+
			"default - got %v, want %v", msg.DisableRelayTx, false)
	}

	msg.AddUserAgent("mud", "1.0")
	customUserAgent := DefaultUserAgent + "mud:1.0/"
	if msg.UserAgent != customUserAgent {
		t.Errorf("AddUserAgent: wrong user agent - got %s, want %s",
			msg.UserAgent, customUserAgent)
	}

	msg.AddUserAgent("testnode", "0.0.1", "comment1", "comment2")
	customUserAgent += "testnode:0.0.1(comment1; comment2)/"
	if msg.UserAgent != customUserAgent {
		t.Errorf("AddUserAgent: wrong user agent - got %s, want %s",
			msg.UserAgent, customUserAgent)
	}

	// Accounting for ":", "/"
	err = msg.AddUserAgent(strings.Repeat("t",
		MaxUserAgentLen-len(customUserAgent)-2+1), "")
	if _, ok := err.(*MessageError); !ok {
		t.Errorf("AddUserAgent: expected error not received "+
			"- got %v, want %T", err, MessageError{})

	}

	// Version message should not have any services set by default.
	if msg.Services != 0 {
		t.Errorf("NewMsgVersion: wrong default services - got %v, want 0",
			msg.Services)
	}
	if msg.HasService(SFNodeNetwork) {
		t.Errorf("HasService: SFNodeNetwork service is set")
	}

	// Ensure the command is expected value.
	wantCmd := "version"
	if cmd := msg.Command(); cmd != wantCmd {
		t.Errorf("NewMsgVersion: wrong command - got %v want %v",
			cmd, wantCmd)
	}

	// Ensure max payload is expected value.
	// Protocol version 4 bytes + services 8 bytes + timestamp 8 bytes +
	// remote and local net addresses + nonce 8 bytes + length of user agent
	// (varInt) + max allowed user agent length + last block 4 bytes +
	// relay transactions flag 1 byte.
	wantPayload := uint32(358)
	maxPayload := msg.MaxPayloadLength(pver)
	if maxPayload != wantPayload {
		t.Errorf("MaxPayloadLength: wrong max payload length for "+
			"protocol version %d - got %v, want %v", pver,
			maxPayload, wantPayload)
	}

	// Ensure adding the full service node flag works.
	msg.AddService(SFNodeNetwork)
	if msg.Services != SFNodeNetwork {
		t.Errorf("AddService: wrong services - got %v, want %v",
			msg.Services, SFNodeNetwork)
	}
	if !msg.HasService(SFNodeNetwork) {
		t.Errorf("HasService: SFNodeNetwork service not set")
	}
}

// TestVersionWire tests the MsgVersion wire encode and decode for various
// protocol versions.
func TestVersionWire(t *testing.T) {
	// Create a version message with a relayable transaction preference.
	baseVersion := baseVersionMsg()

	var buf bytes.Buffer
	err := baseVersion.BtcEncode(&buf, ProtocolVersion)
	if err != nil {
		t.Fatalf("BtcEncode: %v", err)
	}

	var msg MsgVersion
	rbuf := bytes.NewBuffer(buf.Bytes())
	err = msg.BtcDecode(rbuf, ProtocolVersion)
	if err != nil {
		t.Fatalf("BtcDecode: %v", err)
	}
	if !reflect.DeepEqual(&msg, baseVersion) {
		t.Errorf("BtcDecode mismatch -\n got: %v\nwant: %v",
			spew.Sdump(&msg), spew.Sdump(baseVersion))
	}
}

// TestVersionOptionalFields performs tests to ensure that an encoded version
// messages that omit optional fields are handled correctly.
func TestVersionOptionalFields(t *testing.T) {
	// onlyRequiredVersion is a version message that only contains the
	// required versions and all other values set to their default values.
	onlyRequiredVersion := MsgVersion{
		ProtocolVersion: 60002,
		Services:        SFNodeNetwork,
		Timestamp:       time.Unix(0x495fab29, 0), // 2009-01-03 12:15:05 -0600 CST)
		AddrYou: NetAddress{
			Services: SFNodeNetwork,
			IP:       net.ParseIP("192.168.0.1"),
			Port:     8333,
		},
	}

	// Encode the full base version, then truncate the payload at the point
	// where the optional fields begin.  Protocol version 4 bytes + services
	// 8 bytes + timestamp 8 bytes + remote address without timestamp 26
	// bytes.
	var buf bytes.Buffer
	err := baseVersionMsg().BtcEncode(&buf, ProtocolVersion)
	if err != nil {
		t.Fatalf("BtcEncode: %v", err)
	}
	requiredLen := 4 + 8 + 8 + 26

	var msg MsgVersion
	rbuf := bytes.NewBuffer(buf.Bytes()[:requiredLen])
	err = msg.BtcDecode(rbuf, ProtocolVersion)
	if err != nil {
		t.Fatalf("BtcDecode: %v", err)
	}

	base := baseVersionMsg()
	onlyRequiredVersion.ProtocolVersion = base.ProtocolVersion
	onlyRequiredVersion.Services = base.Services
	onlyRequiredVersion.Timestamp = base.Timestamp
	onlyRequiredVersion.AddrYou = base.AddrYou
	if !reflect.DeepEqual(&msg, &onlyRequiredVersion) {
		t.Errorf("BtcDecode mismatch -\n got: %v\nwant: %v",
			spew.Sdump(&msg), spew.Sdump(&onlyRequiredVersion))
	}
}

// baseVersionMsg returns a fully populated version message for use in wire
// tests.
func baseVersionMsg() *MsgVersion {
	return &MsgVersion{
		ProtocolVersion: int32(ProtocolVersion),
		Services:        SFNodeNetwork,
		Timestamp:       time.Unix(0x495fab29, 0),
		AddrYou: NetAddress{
			Services: SFNodeNetwork,
			IP:       net.ParseIP("192.168.0.1"),
			Port:     8333,
		},
		AddrMe: NetAddress{
			Services: SFNodeNetwork,
			IP:       net.ParseIP("127.0.0.1"),
			Port:     8333,
		},
		Nonce:     123123,
		UserAgent: "/peerdtest:0.0.1/",
		LastBlock: 234234,
	}
}
