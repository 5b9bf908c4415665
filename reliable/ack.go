// File: reliable/ack.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// qtak acknowledgment packets: RTCP APP packets naming the first acked
// sequence number followed by a bitmask of further acks.
//
//	 0                   1                   2                   3
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V=2|P| subtype |   PT=APP=204  |             length            |
//	|                         SSRC of sender                        |
//	|                      name (ASCII) = 'qtak'                    |
//	|                         SSRC of media                         |
//	|           reserved            |            seq num            |
//	|                          mask ...                             |

package reliable

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtcp"
)

const (
	ackName       = "qtak"
	ackHeaderLen  = 20
	ackSeqOffset  = 18
	maxAckMaskLen = 128 // bytes, 1024 sequence numbers past the base
)

// ErrNotAck reports an RTCP packet that is not a well-formed qtak ack.
var ErrNotAck = errors.New("reliable: not a qtak ack")

// IsAck reports whether pkt carries the qtak APP name.
func IsAck(pkt []byte) bool {
	if len(pkt) < ackHeaderLen {
		return false
	}
	var h rtcp.Header
	if err := h.Unmarshal(pkt); err != nil {
		return false
	}
	return h.Type == rtcp.TypeApplicationDefined && string(pkt[8:12]) == ackName
}

// ParseAck returns the sequence numbers acknowledged by a qtak packet: the
// base number, then seq+1+i for every set mask bit i, most significant bit
// of each byte first. Masks longer than MarshalAck ever writes are rejected.
func ParseAck(pkt []byte) ([]uint16, error) {
	var h rtcp.Header
	if err := h.Unmarshal(pkt); err != nil {
		return nil, fmt.Errorf("reliable: ack header: %w", err)
	}
	if h.Type != rtcp.TypeApplicationDefined || len(pkt) < ackHeaderLen || string(pkt[8:12]) != ackName {
		return nil, ErrNotAck
	}
	total := (int(h.Length) + 1) * 4
	if total < ackHeaderLen || total > len(pkt) {
		return nil, fmt.Errorf("%w: length %d of %d bytes", ErrNotAck, total, len(pkt))
	}
	seq := binary.BigEndian.Uint16(pkt[ackSeqOffset:])
	mask := pkt[ackHeaderLen:total]
	if h.Padding && len(mask) > 0 {
		pad := int(pkt[total-1])
		if pad > len(mask) {
			return nil, fmt.Errorf("%w: padding %d", ErrNotAck, pad)
		}
		mask = mask[:len(mask)-pad]
	}
	if len(mask) > maxAckMaskLen {
		return nil, fmt.Errorf("%w: mask of %d bytes exceeds %d", ErrNotAck, len(mask), maxAckMaskLen)
	}

	acks := []uint16{seq}
	for i := 0; i < len(mask)*8; i++ {
		if mask[i/8]&(0x80>>(i%8)) != 0 {
			acks = append(acks, seq+1+uint16(i))
		}
	}
	return acks, nil
}

// MarshalAck builds a qtak packet acking seq and each of more that lies
// within the mask range after it. The mask is padded to whole words.
func MarshalAck(ssrc, mediaSSRC uint32, seq uint16, more []uint16) ([]byte, error) {
	maskLen := 0
	for _, s := range more {
		off := int(s - seq - 1)
		if off >= maxAckMaskLen*8 {
			continue
		}
		if need := off/8 + 1; need > maskLen {
			maskLen = need
		}
	}
	maskLen = (maskLen + 3) &^ 3

	pkt := make([]byte, ackHeaderLen+maskLen)
	hdr := rtcp.Header{
		Type:   rtcp.TypeApplicationDefined,
		Length: uint16(len(pkt)/4 - 1),
	}
	hb, err := hdr.Marshal()
	if err != nil {
		return nil, err
	}
	copy(pkt, hb)
	binary.BigEndian.PutUint32(pkt[4:], ssrc)
	copy(pkt[8:12], ackName)
	binary.BigEndian.PutUint32(pkt[12:], mediaSSRC)
	binary.BigEndian.PutUint16(pkt[ackSeqOffset:], seq)
	for _, s := range more {
		off := int(s - seq - 1)
		if off >= maxAckMaskLen*8 {
			continue
		}
		pkt[ackHeaderLen+off/8] |= 0x80 >> (off % 8)
	}
	return pkt, nil
}
