// Package zkteco implements the binary protocol spoken by ZKTeco attendance
// terminals over TCP, and decodes the user and attendance tables they store.
package zkteco

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Commands understood by the terminals. Only the read side used by the
// listener is covered.
const (
	cmdAttLogRRQ     uint16 = 13
	cmdUserTempRRQ   uint16 = 9
	cmdGetFreeSizes  uint16 = 50
	cmdGetTime       uint16 = 201
	cmdConnect       uint16 = 1000
	cmdExit          uint16 = 1001
	cmdAuth          uint16 = 1102
	cmdPrepareData   uint16 = 1500
	cmdData          uint16 = 1501
	cmdFreeData      uint16 = 1502
	cmdPrepareBuffer uint16 = 1503
	cmdReadBuffer    uint16 = 1504
	cmdAckOK         uint16 = 2000
	cmdAckError      uint16 = 2001
	cmdAckUnauth     uint16 = 2005
)

// fctUser selects the user table on buffered reads.
const fctUser = 5

const (
	// Every frame opens with these two magic words.
	machineWord1 = 0x5050
	machineWord2 = 0x7d82

	ushrtMax = 65535

	// maxChunkSize is the largest slice of a prepared buffer requested at once.
	maxChunkSize = 0xFFC0

	// maxFrameSize caps a single frame payload. Terminals never exceed a chunk
	// plus the command header, anything larger means a corrupt stream.
	maxFrameSize = 1 << 20
)

var errBadMagic = errors.New("frame does not start with the machine words")

// frame is a single decoded protocol frame.
type frame struct {
	code      uint16
	sessionID uint16
	replyID   uint16
	data      []byte
}

// buildPacket serializes a command into a wire packet.
//
// The checksum covers the packet carrying the current reply counter, while the
// packet sent on the wire carries the incremented one. The terminals expect
// exactly this asymmetry.
func buildPacket(cmd, sessionID, replyID uint16, data []byte) (packet []byte, nextReplyID uint16) {
	payload := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], cmd)
	binary.LittleEndian.PutUint16(payload[4:6], sessionID)
	binary.LittleEndian.PutUint16(payload[6:8], replyID)
	copy(payload[8:], data)
	binary.LittleEndian.PutUint16(payload[2:4], checksum(payload))

	nextReplyID = replyID + 1
	if nextReplyID >= ushrtMax {
		nextReplyID -= ushrtMax
	}
	binary.LittleEndian.PutUint16(payload[6:8], nextReplyID)

	packet = make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint16(packet[0:2], machineWord1)
	binary.LittleEndian.PutUint16(packet[2:4], machineWord2)
	binary.LittleEndian.PutUint32(packet[4:8], uint32(len(payload)))
	copy(packet[8:], payload)
	return packet, nextReplyID
}

// readFrame reads and decodes a single frame from r.
func readFrame(r io.Reader) (frame, error) {
	var top [8]byte
	if _, err := io.ReadFull(r, top[:]); err != nil {
		return frame{}, fmt.Errorf("could not read frame header: %w", err)
	}
	if binary.LittleEndian.Uint16(top[0:2]) != machineWord1 ||
		binary.LittleEndian.Uint16(top[2:4]) != machineWord2 {
		return frame{}, errBadMagic
	}

	length := binary.LittleEndian.Uint32(top[4:8])
	if length < 8 {
		return frame{}, fmt.Errorf("frame payload too short: %d bytes", length)
	}
	if length > maxFrameSize {
		return frame{}, fmt.Errorf("frame payload too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, fmt.Errorf("could not read frame payload: %w", err)
	}

	return frame{
		code:      binary.LittleEndian.Uint16(payload[0:2]),
		sessionID: binary.LittleEndian.Uint16(payload[4:6]),
		replyID:   binary.LittleEndian.Uint16(payload[6:8]),
		data:      payload[8:],
	}, nil
}

// checksum is the ones' complement 16-bit word sum used by the terminals.
// A trailing odd byte is added raw.
func checksum(p []byte) uint16 {
	sum := 0
	i := 0
	for ; i+1 < len(p); i += 2 {
		sum += int(binary.LittleEndian.Uint16(p[i:]))
		if sum > ushrtMax {
			sum -= ushrtMax
		}
	}
	if len(p)%2 != 0 {
		sum += int(p[len(p)-1])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}

	sum = ^sum
	for sum < 0 {
		sum += ushrtMax
	}
	return uint16(sum)
}

// commKey derives the key sent with an auth command from the device password
// and the session ID handed out by the unauthorized connect ack.
func commKey(password uint32, sessionID uint16) [4]byte {
	const ticks = 50

	var k uint32
	for i := 0; i < 32; i++ {
		k <<= 1
		if password&(1<<i) != 0 {
			k |= 1
		}
	}
	k += uint32(sessionID)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'
	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]
	b[0] ^= ticks
	b[1] ^= ticks
	b[2] = ticks
	b[3] ^= ticks
	return b
}

// decodeTime converts the packed on-wire timestamp to a local time.
// The encoding is a mixed radix count of seconds since 2000-01-01 where every
// month is 31 days long.
func decodeTime(t uint32) time.Time {
	second := int(t % 60)
	t /= 60
	minute := int(t % 60)
	t /= 60
	hour := int(t % 24)
	t /= 24
	day := int(t%31) + 1
	t /= 31
	month := time.Month(t%12) + 1
	t /= 12
	year := int(t) + 2000

	return time.Date(year, month, day, hour, minute, second, 0, time.Local)
}

// encodeTime is the inverse of decodeTime.
func encodeTime(t time.Time) uint32 {
	days := (t.Year()%100)*12*31 + (int(t.Month())-1)*31 + t.Day() - 1
	return uint32(days*86400 + (t.Hour()*60+t.Minute())*60 + t.Second())
}
