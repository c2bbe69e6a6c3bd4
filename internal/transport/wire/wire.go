// Package wire is the length-prefixed JSON duplex codec shared by the
// process-backed vat worker transports (vsockproc, pipeproc): same 4-byte
// big-endian length prefix framing as the teacher's vsock/vsockpb
// protocols, JSON payloads instead of protobuf (no .proto compiler is
// available to generate verified stub types for this wire).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ocapkernel/kernel/internal/domain"
)

const maxMessageBytes = 8 << 20

// MsgType tags the variant of an Envelope crossing the wire.
type MsgType string

const (
	MsgReady     MsgType = "ready"     // worker -> kernel, handshake complete
	MsgStartVat  MsgType = "startVat"  // kernel -> worker
	MsgDeliver   MsgType = "deliver"   // kernel -> worker
	MsgResult    MsgType = "result"    // worker -> kernel, reply to deliver/startVat
	MsgPing      MsgType = "ping"      // kernel -> worker
	MsgPong      MsgType = "pong"      // worker -> kernel
	MsgStop      MsgType = "stop"      // kernel -> worker
)

// Envelope is the one message type that crosses the wire in both
// directions; Delivery or Result is populated according to Type.
type Envelope struct {
	Type     MsgType              `json:"type"`
	Delivery *domain.Delivery     `json:"delivery,omitempty"`
	Result   *domain.DeliveryResult `json:"result,omitempty"`
}

// Codec reads and writes Envelopes over conn using 4-byte big-endian length
// prefix framing, mirroring firecracker/vsock.go's VsockClient wire format.
// conn is an io.ReadWriteCloser rather than net.Conn so the same codec works
// over a dialed AF_VSOCK connection or a spawned process's stdin/stdout pipe
// pair adapted to one ReadWriteCloser.
type Codec struct {
	conn io.ReadWriteCloser
}

func NewCodec(conn io.ReadWriteCloser) *Codec {
	return &Codec{conn: conn}
}

func (c *Codec) Send(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal: %w", err)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	for len(buf) > 0 {
		n, err := c.conn.Write(buf)
		if err != nil {
			return fmt.Errorf("wire: write: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}

func (c *Codec) Receive() (*Envelope, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, lenBuf); err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen > maxMessageBytes {
		return nil, fmt.Errorf("wire: message too large: %d bytes", msgLen)
	}
	data := make([]byte, msgLen)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return &env, nil
}

func (c *Codec) Close() error {
	return c.conn.Close()
}
