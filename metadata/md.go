package metadata

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/howeyc/crc16"
)

// Metadata identifies a replica order placed on behalf of a copy-trade task.
// It is carried to the venue as the order's client order id.
type Metadata struct {
	// SourceTime is the timestamp of the observed trade, kept at day
	// resolution.
	SourceTime time.Time
	TaskID     string
	// SourceIdentity is the identity key of the observed trade.
	SourceIdentity string
}

func (md *Metadata) String() string {
	return md.Hex()
}

func (md *Metadata) HexAsPointer() *string {
	hex := md.Hex()
	return &hex
}

func (md *Metadata) Hex() string {
	return "0x" + hex.EncodeToString(md.AsHex())
}

// AsHex returns a 16 byte representation of the metadata
// All are BigEndian encoded
// 2 bytes are the days since epoch uint16
// 6 bytes are a digest prefix of the task id
// 6 bytes are a digest prefix of the source identity
// 2 bytes are a CRC16 of the preceding bytes
func (md *Metadata) AsHex() []byte {
	out := make([]byte, 0, 16)

	d := md.SourceTime.UTC().Unix() / 86400
	out = binary.BigEndian.AppendUint16(out, uint16(d))

	out = append(out, tag(md.TaskID)...)
	out = append(out, tag(md.SourceIdentity)...)

	out = binary.BigEndian.AppendUint16(out, crc16.Checksum(out, crc16.IBMTable))

	return out
}

// Tags is the decoded form of a client order id. The task and source values
// are one-way digests, so they can only be compared against candidates.
type Tags struct {
	Day       time.Time
	TaskTag   [6]byte
	SourceTag [6]byte
}

var ErrHexTooShort = errors.New("hex data too short")
var ErrIncorrectChecksum = errors.New("checksum does not match")

// FromHex decodes a 16 byte client order id. If the CRC16 checksum does not
// pass an error is returned. The day is loaded with UTC.
func FromHex(v []byte) (*Tags, error) {
	if len(v) != 16 {
		return nil, ErrHexTooShort
	}

	if crc16.Checksum(v[0:14], crc16.IBMTable) != binary.BigEndian.Uint16(v[14:16]) {
		return nil, ErrIncorrectChecksum
	}

	t := &Tags{}
	days := binary.BigEndian.Uint16(v[0:2])
	t.Day = time.Unix(int64(days)*86400, 0).UTC()
	copy(t.TaskTag[:], v[2:8])
	copy(t.SourceTag[:], v[8:14])

	return t, nil
}

// FromHexString strips off a prepending 0x if present
func FromHexString(s string) (*Tags, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("could not decode: %w", err)
	}
	return FromHex(b)
}

func tag(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:6]
}
