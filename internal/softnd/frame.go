package softnd

import (
	"encoding/binary"
	"fmt"
	"io"
)

type frameOp uint8

const (
	opConnRequest frameOp = iota + 1
	opConnReply
	opReject
	opReadyToUse
	opSend
	opSendAck
	opWrite
	opWriteAck
	opReadRequest
	opReadResponse
	opDisconnect
)

func (op frameOp) String() string {
	switch op {
	case opConnRequest:
		return "conn-request"
	case opConnReply:
		return "conn-reply"
	case opReject:
		return "reject"
	case opReadyToUse:
		return "ready-to-use"
	case opSend:
		return "send"
	case opSendAck:
		return "send-ack"
	case opWrite:
		return "write"
	case opWriteAck:
		return "write-ack"
	case opReadRequest:
		return "read-request"
	case opReadResponse:
		return "read-response"
	case opDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

const frameHeaderSize = 32

// frame is one message on a provider connection. Layout, little endian:
//
//	0  op        uint8
//	1  flags     uint8
//	2  reserved  uint16
//	4  status    uint32
//	8  request   uint64
//	16 address   uint64
//	24 token     uint32
//	28 length    uint32
//	32 payload   [length]byte
//
// For read requests length is the requested byte count and no payload follows.
type frame struct {
	op      frameOp
	flags   uint8
	status  Status
	request uint64
	address uint64
	token   uint32
	length  uint32
	payload []byte
}

const frameFlagSolicited uint8 = 1

func (f *frame) hasPayload() bool {
	return f.op != opReadRequest
}

func writeFrame(w io.Writer, f *frame) error {
	var hdr [frameHeaderSize]byte
	hdr[0] = byte(f.op)
	hdr[1] = f.flags
	binary.LittleEndian.PutUint32(hdr[4:], uint32(f.status))
	binary.LittleEndian.PutUint64(hdr[8:], f.request)
	binary.LittleEndian.PutUint64(hdr[16:], f.address)
	binary.LittleEndian.PutUint32(hdr[24:], f.token)
	length := f.length
	if f.hasPayload() {
		length = uint32(len(f.payload))
	}
	binary.LittleEndian.PutUint32(hdr[28:], length)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if f.hasPayload() && len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader, maxPayload uint32) (*frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	f := &frame{
		op:      frameOp(hdr[0]),
		flags:   hdr[1],
		status:  Status(binary.LittleEndian.Uint32(hdr[4:])),
		request: binary.LittleEndian.Uint64(hdr[8:]),
		address: binary.LittleEndian.Uint64(hdr[16:]),
		token:   binary.LittleEndian.Uint32(hdr[24:]),
		length:  binary.LittleEndian.Uint32(hdr[28:]),
	}
	if f.op < opConnRequest || f.op > opDisconnect {
		return nil, fmt.Errorf("softnd: unknown frame op %d", hdr[0])
	}
	if !f.hasPayload() {
		return f, nil
	}
	if f.length > maxPayload {
		return nil, fmt.Errorf("softnd: %s frame payload %d exceeds limit %d", f.op, f.length, maxPayload)
	}
	if f.length > 0 {
		f.payload = make([]byte, f.length)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// connParams is the payload of connection request and reply frames.
type connParams struct {
	inboundReadLimit  uint32
	outboundReadLimit uint32
	privateData       []byte
}

func (p connParams) encode() []byte {
	out := make([]byte, 8+len(p.privateData))
	binary.LittleEndian.PutUint32(out[0:], p.inboundReadLimit)
	binary.LittleEndian.PutUint32(out[4:], p.outboundReadLimit)
	copy(out[8:], p.privateData)
	return out
}

func decodeConnParams(b []byte) (connParams, error) {
	if len(b) < 8 {
		return connParams{}, fmt.Errorf("softnd: short connection parameters (%d bytes)", len(b))
	}
	p := connParams{
		inboundReadLimit:  binary.LittleEndian.Uint32(b[0:]),
		outboundReadLimit: binary.LittleEndian.Uint32(b[4:]),
	}
	if len(b) > 8 {
		p.privateData = append([]byte(nil), b[8:]...)
	}
	return p, nil
}
