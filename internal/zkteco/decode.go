package zkteco

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// User is a user entry stored on a terminal.
type User struct {
	UID        uint16
	UserID     string
	Name       string
	Privilege  byte
	Password   string
	Card       uint32
	GroupID    string
	TimezoneID int16
}

// Record is a single clock event stored on a terminal.
type Record struct {
	UID       uint16
	UserID    string
	Timestamp time.Time
	Status    byte
	Punch     byte
}

// Sizes reports the record counts and capacities of a terminal.
type Sizes struct {
	Users   int
	Fingers int
	Records int
	Cards   int

	FingerCapacity int
	UserCapacity   int
	RecordCapacity int
}

// decodeSizes parses the free sizes block. The block is a run of 32-bit
// counters, only some of which are meaningful.
func decodeSizes(data []byte) Sizes {
	field := func(i int) int {
		return int(int32(binary.LittleEndian.Uint32(data[i*4:])))
	}
	return Sizes{
		Users:   field(4),
		Fingers: field(6),
		Records: field(8),
		Cards:   field(12),

		FingerCapacity: field(14),
		UserCapacity:   field(15),
		RecordCapacity: field(16),
	}
}

// decodeUsers parses a user table dump. The entry layout is inferred from the
// total size divided by the user count: modern firmware uses 72 byte entries,
// older firmware 28 byte ones.
func decodeUsers(data []byte, count int, decode func([]byte) string) []User {
	if len(data) < 4 || count <= 0 {
		return nil
	}
	total := int(binary.LittleEndian.Uint32(data[:4]))
	entrySize := total / count
	data = data[4:]

	var users []User
	if entrySize == 28 {
		for len(data) >= 28 {
			e := data[:28]
			data = data[28:]

			userID := strconv.FormatUint(uint64(binary.LittleEndian.Uint32(e[24:28])), 10)
			name := strings.TrimSpace(decode(e[8:16]))
			if name == "" {
				name = "NN-" + userID
			}
			users = append(users, User{
				UID:        binary.LittleEndian.Uint16(e[0:2]),
				UserID:     userID,
				Name:       name,
				Privilege:  e[2],
				Password:   decode(e[3:8]),
				Card:       binary.LittleEndian.Uint32(e[16:20]),
				GroupID:    strconv.Itoa(int(e[21])),
				TimezoneID: int16(binary.LittleEndian.Uint16(e[22:24])),
			})
		}
		return users
	}

	if entrySize != 72 {
		slog.Debug("Unusual user entry size, assuming 72 byte layout", "size", entrySize)
	}
	for len(data) >= 72 {
		e := data[:72]
		data = data[72:]

		userID := asciiString(e[48:72])
		name := strings.TrimSpace(decode(e[11:35]))
		if name == "" {
			name = "NN-" + userID
		}
		users = append(users, User{
			UID:       binary.LittleEndian.Uint16(e[0:2]),
			UserID:    userID,
			Name:      name,
			Privilege: e[2],
			Password:  decode(e[3:11]),
			Card:      binary.LittleEndian.Uint32(e[35:39]),
			GroupID:   asciiString(e[40:47]),
		})
	}
	return users
}

// decodeRecords parses an attendance table dump. The record layout is
// inferred from the total size divided by the record count: 8, 16 or 40 byte
// records exist in the wild.
func decodeRecords(data []byte, count int, users []User) []Record {
	if len(data) < 4 || count <= 0 {
		return nil
	}
	total := int(binary.LittleEndian.Uint32(data[:4]))
	recordSize := total / count
	data = data[4:]

	byUID := make(map[uint16]string, len(users))
	byUserID := make(map[string]uint16, len(users))
	for _, u := range users {
		byUID[u.UID] = u.UserID
		byUserID[u.UserID] = u.UID
	}

	var records []Record
	switch recordSize {
	case 8:
		for len(data) >= 8 {
			e := data[:8]
			data = data[8:]

			uid := binary.LittleEndian.Uint16(e[0:2])
			userID, ok := byUID[uid]
			if !ok {
				userID = strconv.Itoa(int(uid))
			}
			records = append(records, Record{
				UID:       uid,
				UserID:    userID,
				Status:    e[2],
				Timestamp: decodeTime(binary.LittleEndian.Uint32(e[3:7])),
				Punch:     e[7],
			})
		}
	case 16:
		for len(data) >= 16 {
			e := data[:16]
			data = data[16:]

			userID := strconv.FormatUint(uint64(binary.LittleEndian.Uint32(e[0:4])), 10)
			records = append(records, Record{
				UID:       byUserID[userID],
				UserID:    userID,
				Timestamp: decodeTime(binary.LittleEndian.Uint32(e[4:8])),
				Status:    e[8],
				Punch:     e[9],
			})
		}
	default:
		for len(data) >= 40 {
			e := data[:40]
			data = data[40:]

			records = append(records, Record{
				UID:       binary.LittleEndian.Uint16(e[0:2]),
				UserID:    asciiString(e[2:26]),
				Status:    e[26],
				Timestamp: decodeTime(binary.LittleEndian.Uint32(e[27:31])),
				Punch:     e[31],
			})
		}
	}
	return records
}

// newStringDecoder returns a converter from the device code page to UTF-8.
// Bytes past the first NUL are discarded, undecodable sequences are dropped.
func newStringDecoder(charset string) func([]byte) string {
	var dec *encoding.Decoder
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
	case "gbk", "gb2312":
		dec = simplifiedchinese.GBK.NewDecoder()
	case "gb18030":
		dec = simplifiedchinese.GB18030.NewDecoder()
	case "windows-874", "cp874", "tis-620":
		dec = charmap.Windows874.NewDecoder()
	case "latin-1", "iso-8859-1":
		dec = charmap.ISO8859_1.NewDecoder()
	default:
		slog.Warn("Unknown device charset, falling back to UTF-8", "charset", charset)
	}

	return func(b []byte) string {
		b = trimNul(b)
		if dec == nil {
			return strings.ToValidUTF8(string(b), "")
		}
		out, err := dec.Bytes(b)
		if err != nil {
			return strings.ToValidUTF8(string(b), "")
		}
		return string(out)
	}
}

// asciiString trims at the first NUL and drops invalid UTF-8. User IDs and
// group names are plain digits on every known firmware.
func asciiString(b []byte) string {
	return strings.ToValidUTF8(string(trimNul(b)), "")
}

func trimNul(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
