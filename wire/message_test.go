// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/peersuite/peerd/chaincfg/chainhash"
)

// makeHeader is a convenience function to make a message header in the form of
// a byte slice.  It is used to force errors when reading messages.
func makeHeader(btcnet BitcoinNet, command string,
	payloadLen uint32, checksum uint32) []byte {

	// The length of a bitcoin message header is 24 bytes.
	// 4 byte magic number of the bitcoin network + 12 byte command + 4 byte
	// payload length + 4 byte checksum.
	buf := make([]byte, 24)
	binary := littleEndian
	binary.PutUint32(buf, uint32(btcnet))
	copy(buf[4:], []byte(command))
	binary.PutUint32(buf[16:], payloadLen)
	binary.PutUint32(buf[20:], checksum)
	return buf
}

// TestMessage tests the Read/WriteMessage API for all supported messages by
// writing them to a buffer and reading them back, ensuring the decoded result
// matches the original.
func TestMessage(t *testing.T) {
	pver := ProtocolVersion

	// Create the various types of messages to test.

	// MsgVersion.
	addrYou := &net.TCPAddr{IP: net.ParseIP("192.168.0.1"), Port: 8333}
	you := NewNetAddress(addrYou, SFNodeNetwork)
	you.Timestamp = time.Time{} // Version message has zero value timestamp.
	addrMe := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8333}
	me := NewNetAddress(addrMe, SFNodeNetwork)
	me.Timestamp = time.Time{} // Version message has zero value timestamp.
	msgVersion := NewMsgVersion(me, you, 123123, 0)

	msgVerack := NewMsgVerAck()
	msgGetAddr := NewMsgGetAddr()
	msgAddr := NewMsgAddr()
	msgInv := NewMsgInv()
	msgGetData := NewMsgGetData()
	msgNotFound := NewMsgNotFound()
	msgTx := NewMsgTx(1)
	msgPing := NewMsgPing(123123)
	msgPong := NewMsgPong(123123)
	msgGetHeaders := NewMsgGetHeaders()
	msgHeaders := NewMsgHeaders()
	bh := NewBlockHeader(1, &chainhash.Hash{}, &chainhash.Hash{}, 0, 0)
	msgBlock := NewMsgBlock(bh)
	msgReject := NewMsgReject("block", RejectDuplicate, "duplicate block")
	msgSendHeaders := NewMsgSendHeaders()
	msgFeeFilter := NewMsgFeeFilter(123456)

	tests := []struct {
		in     Message    // Value to encode
		out    Message    // Expected decoded value
		pver   uint32     // Protocol version for wire encoding
		btcnet BitcoinNet // Network to use for wire encoding
		bytes  int        // Expected num bytes read/written
	}{
		{msgVersion, msgVersion, pver, MainNet, 127},
		{msgVerack, msgVerack, pver, MainNet, 24},
		{msgGetAddr, msgGetAddr, pver, MainNet, 24},
		{msgAddr, msgAddr, pver, MainNet, 25},
		{msgInv, msgInv, pver, MainNet, 25},
		{msgGetData, msgGetData, pver, MainNet, 25},
		{msgNotFound, msgNotFound, pver, MainNet, 25},
		{msgTx, msgTx, pver, MainNet, 34},
		{msgPing, msgPing, pver, MainNet, 32},
		{msgPong, msgPong, pver, MainNet, 32},
		{msgGetHeaders, msgGetHeaders, pver, MainNet, 61},
		{msgHeaders, msgHeaders, pver, MainNet, 25},
		{msgBlock, msgBlock, pver, MainNet, 105},
		{msgReject, msgReject, pver, MainNet, 79},
		{msgSendHeaders, msgSendHeaders, pver, MainNet, 24},
		{msgFeeFilter, msgFeeFilter, pver, MainNet, 32},
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		// Encode to wire format.
		var buf bytes.Buffer
		nw, err := WriteMessageN(&buf, test.in, test.pver, test.btcnet)
		if err != nil {
			t.Errorf("WriteMessage #%d error %v", i, err)
			continue
		}

		// Ensure the number of bytes written match the expected value.
		if nw != test.bytes {
			t.Errorf("WriteMessage #%d unexpected num bytes "+
				"written - got %d, want %d", i, nw, test.bytes)
		}

		// Decode from wire format.
		rbuf := bytes.NewReader(buf.Bytes())
		nr, msg, _, err := ReadMessageN(rbuf, test.pver, test.btcnet)
		if err != nil {
			t.Errorf("ReadMessage #%d error %v, msg %v", i, err,
				spew.Sdump(msg))
			continue
		}
		if !reflect.DeepEqual(msg, test.out) {
			t.Errorf("ReadMessage #%d\n got: %v want: %v", i,
				spew.Sdump(msg), spew.Sdump(test.out))
			continue
		}

		// Ensure the number of bytes read match the expected value.
		if nr != test.bytes {
			t.Errorf("ReadMessage #%d unexpected num bytes read - "+
				"got %d, want %d", i, nr, test.bytes)
		}
	}
}

// TestEmptyPayloadChecksum ensures messages with an empty payload carry the
// first four bytes of the double sha256 of the empty string as their header
// checksum.
func TestEmptyPayloadChecksum(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, NewMsgVerAck(), ProtocolVersion, MainNet)
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	frame := buf.Bytes()
	if len(frame) != MessageHeaderSize {
		t.Fatalf("unexpected frame length - got %d, want %d",
			len(frame), MessageHeaderSize)
	}

	wantChecksum := []byte{0x5d, 0xf6, 0xe0, 0xe2}
	if !bytes.Equal(frame[20:24], wantChecksum) {
		t.Errorf("unexpected checksum - got %x, want %x",
			frame[20:24], wantChecksum)
	}
}

// TestReadMessageWrongNetwork ensures reading a message with a magic value
// for a different network returns an error which satisfies ErrInvalidMagic.
func TestReadMessageWrongNetwork(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, NewMsgPing(1), ProtocolVersion, TestNet3)
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_, _, err = ReadMessage(&buf, ProtocolVersion, MainNet)
	if err == nil {
		t.Fatal("ReadMessage: expected error for wrong network magic")
	}
	if !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("ReadMessage: wrong error - got %v, want %v", err,
			ErrInvalidMagic)
	}

	var merr *MessageError
	if !errors.As(err, &merr) {
		t.Errorf("ReadMessage: error is not a *MessageError - %v", err)
	}
}

// TestReadMessageChecksumMismatch ensures flipping any single byte in an
// otherwise valid payload is detected as a checksum mismatch.
func TestReadMessageChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, NewMsgPing(0x1234567890abcdef), ProtocolVersion,
		MainNet)
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	frame := buf.Bytes()

	for i := MessageHeaderSize; i < len(frame); i++ {
		corrupted := make([]byte, len(frame))
		copy(corrupted, frame)
		corrupted[i] ^= 0xff

		_, _, err := ReadMessage(bytes.NewReader(corrupted),
			ProtocolVersion, MainNet)
		if !errors.Is(err, ErrChecksumMismatch) {
			t.Errorf("ReadMessage (byte %d): wrong error - got %v, "+
				"want %v", i, err, ErrChecksumMismatch)
		}
	}
}

// TestReadMessageUnknownCommand ensures reading a frame with an unrecognized
// command returns ErrUnknownMessage after consuming exactly the header plus
// the advertised payload so the stream remains aligned for the next message.
func TestReadMessageUnknownCommand(t *testing.T) {
	// A well-formed frame for a command this package does not implement,
	// followed by a valid ping message.
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	checksum := chainhash.DoubleHashB(payload)[0:4]
	frame := makeHeader(MainNet, "boguscommand", uint32(len(payload)), 0)
	copy(frame[20:], checksum)
	frame = append(frame, payload...)

	var pingBuf bytes.Buffer
	err := WriteMessage(&pingBuf, NewMsgPing(987), ProtocolVersion, MainNet)
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	stream := bytes.NewReader(append(frame, pingBuf.Bytes()...))

	nr, _, _, err := ReadMessageN(stream, ProtocolVersion, MainNet)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("ReadMessageN: wrong error - got %v, want %v", err,
			ErrUnknownMessage)
	}

	// The unknown message must consume exactly header + payload bytes.
	wantBytes := MessageHeaderSize + len(payload)
	if nr != wantBytes {
		t.Fatalf("ReadMessageN: unexpected num bytes consumed - got "+
			"%d, want %d", nr, wantBytes)
	}

	// The next message on the stream must decode cleanly.
	msg, _, err := ReadMessage(stream, ProtocolVersion, MainNet)
	if err != nil {
		t.Fatalf("ReadMessage after unknown command: %v", err)
	}
	ping, ok := msg.(*MsgPing)
	if !ok {
		t.Fatalf("ReadMessage: wrong message type %T", msg)
	}
	if ping.Nonce != 987 {
		t.Fatalf("ReadMessage: wrong ping nonce - got %d, want 987",
			ping.Nonce)
	}
}

// TestReadMessageWireErrors performs negative tests against reading messages
// to confirm error paths work correctly.
func TestReadMessageWireErrors(t *testing.T) {
	pver := ProtocolVersion
	btcnet := MainNet

	// Wire encoded bytes for a message which exceeds the max overall message
	// length.
	mpl := uint32(MaxMessagePayload)
	exceedMaxPayloadBytes := makeHeader(btcnet, "getaddr", mpl+1, 0)

	// Wire encoded bytes for a command which is invalid utf-8.
	badCommandBytes := makeHeader(btcnet, "bogus", 0, 0)
	badCommandBytes[4] = 0x81

	// Wire encoded bytes for a message which exceeds the max payload for a
	// specific message type.
	exceedTypePayloadBytes := makeHeader(btcnet, "getaddr", 1, 0)

	tests := []struct {
		buf []byte // Wire encoding
		max int    // Max size of fixed buffer to induce errors
	}{
		// Short header.
		{[]byte{0xf9, 0xbe, 0xb4, 0xd9}, len([]byte{0x00})},

		// Exceed max overall message payload length.
		{exceedMaxPayloadBytes, len(exceedMaxPayloadBytes)},

		// Invalid utf-8 command.
		{badCommandBytes, len(badCommandBytes)},

		// Exceed max payload for message type.
		{exceedTypePayloadBytes, len(exceedTypePayloadBytes)},
	}

	for i, test := range tests {
		r := io.LimitReader(bytes.NewReader(test.buf), int64(test.max))
		_, _, err := ReadMessage(r, pver, btcnet)
		if err == nil {
			t.Errorf("ReadMessage #%d: expected error", i)
		}
	}
}
