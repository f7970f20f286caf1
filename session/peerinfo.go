package session

import (
	"encoding/binary"
	"fmt"
)

// PeerInfoSize is the encoded length of a PeerInfo.
const PeerInfoSize = 12

// PeerInfo is what one side sends the other so it can target remote memory.
type PeerInfo struct {
	RemoteAddress uint64
	RemoteToken   uint32
}

// MarshalBinary encodes p as the address followed by the token, both
// little-endian.
func (p PeerInfo) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, PeerInfoSize))
}

// AppendBinary appends the encoding of p to b.
func (p PeerInfo) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, p.RemoteAddress)
	b = binary.LittleEndian.AppendUint32(b, p.RemoteToken)
	return b, nil
}

// UnmarshalBinary decodes the first PeerInfoSize bytes of data.
func (p *PeerInfo) UnmarshalBinary(data []byte) error {
	if len(data) < PeerInfoSize {
		return fmt.Errorf("nd session: peer info needs %d bytes, got %d", PeerInfoSize, len(data))
	}
	p.RemoteAddress = binary.LittleEndian.Uint64(data)
	p.RemoteToken = binary.LittleEndian.Uint32(data[8:])
	return nil
}
