// Package wire implements the fixed-format startup message exchanged
// between the RTI and each federate: one type byte followed by a
// signed 64-bit logical instant in network byte order.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MsgTimestamp tags a startup message carrying a logical instant.
const MsgTimestamp byte = 2

// MessageSize is the on-wire size: one tag byte plus an 8-byte instant.
const MessageSize = 9

// ErrPeerClosed reports that the peer closed the connection before a
// full message arrived.
var ErrPeerClosed = errors.New("wire: peer closed before full message")

// UnexpectedTypeError reports a message whose tag is not MsgTimestamp.
// The instant is still decoded; the caller decides whether to
// tolerate the message or drop the connection.
type UnexpectedTypeError struct {
	Got byte
}

func (e *UnexpectedTypeError) Error() string {
	return fmt.Sprintf("wire: unexpected message type %d (want %d)", e.Got, MsgTimestamp)
}

// Message is one startup exchange payload.
type Message struct {
	Type    byte
	Instant int64
}

// Encode renders the message in network byte order.
func (m Message) Encode() [MessageSize]byte {
	var buf [MessageSize]byte
	buf[0] = m.Type
	binary.BigEndian.PutUint64(buf[1:], uint64(m.Instant))
	return buf
}

// WriteMessage sends a single startup message.
func WriteMessage(w io.Writer, m Message) error {
	buf := m.Encode()
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("wire: write message: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one startup message, looping over partial
// receives until all MessageSize bytes arrive. A mismatched tag
// returns the decoded message together with an *UnexpectedTypeError.
func ReadMessage(r io.Reader) (Message, error) {
	var buf [MessageSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrPeerClosed
		}
		return Message{}, fmt.Errorf("wire: read message: %w", err)
	}
	msg := Message{
		Type:    buf[0],
		Instant: int64(binary.BigEndian.Uint64(buf[1:])),
	}
	if msg.Type != MsgTimestamp {
		return msg, &UnexpectedTypeError{Got: msg.Type}
	}
	return msg, nil
}
