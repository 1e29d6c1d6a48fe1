package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// STR0_255 is a length-prefixed (1-byte length) string, as used throughout
// the SV2 wire format for short identifiers such as user agents.
type STR0_255 string

func putSTR0_255(buf []byte, s STR0_255) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func getSTR0_255(buf []byte) (STR0_255, []byte, error) {
	if len(buf) < 1 {
		return "", nil, fmt.Errorf("%w: truncated STR0_255 length", ErrBadPayloadSize)
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return "", nil, fmt.Errorf("%w: truncated STR0_255 body", ErrBadPayloadSize)
	}
	return STR0_255(buf[1 : 1+n]), buf[1+n:], nil
}

func putBytes(buf []byte, b []byte) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func getBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated byte-field length", ErrBadPayloadSize)
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, fmt.Errorf("%w: truncated byte-field body", ErrBadPayloadSize)
	}
	return buf[:n], buf[n:], nil
}

func putU32Seq(buf []byte, seq [][]byte) []byte {
	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(seq)))
	buf = append(buf, countBuf[:]...)
	for _, item := range seq {
		buf = append(buf, item...)
	}
	return buf
}

// SetupConnection is the handshake-only connection negotiation request.
type SetupConnection struct {
	Protocol   uint8
	MinVersion uint16
	MaxVersion uint16
	Flags      uint32
	Endpoint   STR0_255
	VendorInfo STR0_255
}

// SetupConnectionSuccess acknowledges a SetupConnection.
type SetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       uint32
}

// SetupConnectionError rejects a SetupConnection.
type SetupConnectionError struct {
	Flags  uint32
	Reason STR0_255
}

// OpenExtendedMiningChannel requests a new extended channel.
type OpenExtendedMiningChannel struct {
	RequestID       uint32
	UserIdentity    STR0_255
	NominalHashrate float32
	MaxTarget       [32]byte
	MinExtranonce   uint16
}

// OpenMiningChannelSuccess answers an accepted OpenExtendedMiningChannel
// request. Standard-channel requests are always rejected, so it is never
// sent for them.
type OpenMiningChannelSuccess struct {
	RequestID        uint32
	ChannelID        uint32
	Target           [32]byte
	ExtranoncePrefix []byte
}

// OpenMiningChannelError rejects a channel-open request (used for both
// extended channels that fail, and for any standard-channel request,
// which this server always rejects).
type OpenMiningChannelError struct {
	RequestID uint32
	Reason    STR0_255
}

// NewExtendedMiningJob carries one job for one channel, possibly a future
// job not yet bound to a previous-hash.
type NewExtendedMiningJob struct {
	ChannelID             uint32
	JobID                 uint32
	FutureJob             bool
	Version               uint32
	VersionRollingAllowed bool
	MerklePath            [][]byte // each entry 32 bytes
	CoinbaseTxPrefix      []byte
	CoinbaseTxSuffix      []byte
}

// SetNewPrevHash activates a previously delivered future job, or updates
// the active job in place.
type SetNewPrevHash struct {
	ChannelID uint32
	JobID     uint32
	PrevHash  [32]byte
	MinNTime  uint32
	NBits     uint32
}

// SubmitSharesExtended is a miner's share submission on an extended channel.
type SubmitSharesExtended struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	NTime          uint32
	Version        uint32
	// ExtranonceSuffix is nil when the miner relies on a cached full
	// extranonce fixed at job composition time; validation then requires
	// the channel's prefix alone to already be full-length.
	ExtranonceSuffix []byte
}

// SubmitSharesSuccess acknowledges one or more accepted shares.
type SubmitSharesSuccess struct {
	ChannelID               uint32
	LastSequenceNumber      uint32
	NewSubmitsAcceptedCount uint32
	NewSharesSum            uint64
}

// SubmitSharesError rejects a share submission.
type SubmitSharesError struct {
	ChannelID      uint32
	SequenceNumber uint32
	Reason         STR0_255
}

// EncodeSubmitSharesSuccess serializes a SubmitSharesSuccess payload.
func EncodeSubmitSharesSuccess(m SubmitSharesSuccess) []byte {
	buf := make([]byte, 0, 24)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], m.ChannelID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], m.LastSequenceNumber)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], m.NewSubmitsAcceptedCount)
	buf = append(buf, tmp[:]...)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], m.NewSharesSum)
	return append(buf, tmp8[:]...)
}

// EncodeSubmitSharesError serializes a SubmitSharesError payload.
func EncodeSubmitSharesError(m SubmitSharesError) []byte {
	buf := make([]byte, 0, 16)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], m.ChannelID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], m.SequenceNumber)
	buf = append(buf, tmp[:]...)
	return putSTR0_255(buf, m.Reason)
}

// DecodeSubmitSharesExtended parses a SubmitSharesExtended payload.
func DecodeSubmitSharesExtended(payload []byte) (SubmitSharesExtended, error) {
	var m SubmitSharesExtended
	if len(payload) < 20 {
		return m, fmt.Errorf("%w: SubmitSharesExtended too short", ErrBadPayloadSize)
	}
	m.ChannelID = binary.LittleEndian.Uint32(payload[0:4])
	m.SequenceNumber = binary.LittleEndian.Uint32(payload[4:8])
	m.JobID = binary.LittleEndian.Uint32(payload[8:12])
	m.Nonce = binary.LittleEndian.Uint32(payload[12:16])
	m.NTime = binary.LittleEndian.Uint32(payload[16:20])
	rest := payload[20:]
	if len(rest) >= 4 {
		m.Version = binary.LittleEndian.Uint32(rest[0:4])
		rest = rest[4:]
	}
	if len(rest) > 0 {
		suffix, _, err := getBytes(rest)
		if err != nil {
			return m, err
		}
		m.ExtranonceSuffix = suffix
	}
	return m, nil
}

// EncodeNewExtendedMiningJob serializes a NewExtendedMiningJob payload.
func EncodeNewExtendedMiningJob(m NewExtendedMiningJob) []byte {
	buf := make([]byte, 0, 64+len(m.CoinbaseTxPrefix)+len(m.CoinbaseTxSuffix)+32*len(m.MerklePath))
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], m.ChannelID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], m.JobID)
	buf = append(buf, tmp[:]...)
	if m.FutureJob {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	binary.LittleEndian.PutUint32(tmp[:], m.Version)
	buf = append(buf, tmp[:]...)
	if m.VersionRollingAllowed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = putBytes(buf, m.CoinbaseTxPrefix)
	buf = putBytes(buf, m.CoinbaseTxSuffix)
	buf = putU32Seq(buf, m.MerklePath)
	return buf
}

// EncodeSetNewPrevHash serializes a SetNewPrevHash payload.
func EncodeSetNewPrevHash(m SetNewPrevHash) []byte {
	buf := make([]byte, 0, 48)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], m.ChannelID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], m.JobID)
	buf = append(buf, tmp[:]...)
	buf = append(buf, m.PrevHash[:]...)
	binary.LittleEndian.PutUint32(tmp[:], m.MinNTime)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], m.NBits)
	return append(buf, tmp[:]...)
}

// EncodeOpenMiningChannelSuccess serializes a channel-open success payload.
func EncodeOpenMiningChannelSuccess(m OpenMiningChannelSuccess) []byte {
	buf := make([]byte, 0, 48+len(m.ExtranoncePrefix))
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], m.RequestID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], m.ChannelID)
	buf = append(buf, tmp[:]...)
	buf = append(buf, m.Target[:]...)
	return putBytes(buf, m.ExtranoncePrefix)
}

// EncodeOpenMiningChannelError serializes a channel-open error payload.
func EncodeOpenMiningChannelError(m OpenMiningChannelError) []byte {
	buf := make([]byte, 0, 8)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], m.RequestID)
	buf = append(buf, tmp[:]...)
	return putSTR0_255(buf, m.Reason)
}

// DecodeSetupConnection parses a SetupConnection payload.
func DecodeSetupConnection(payload []byte) (SetupConnection, error) {
	var m SetupConnection
	if len(payload) < 11 {
		return m, fmt.Errorf("%w: SetupConnection too short", ErrBadPayloadSize)
	}
	m.Protocol = payload[0]
	m.MinVersion = binary.LittleEndian.Uint16(payload[1:3])
	m.MaxVersion = binary.LittleEndian.Uint16(payload[3:5])
	m.Flags = binary.LittleEndian.Uint32(payload[5:9])
	endpoint, rest, err := getSTR0_255(payload[9:])
	if err != nil {
		return m, err
	}
	m.Endpoint = endpoint
	vendor, _, err := getSTR0_255(rest)
	if err != nil {
		return m, err
	}
	m.VendorInfo = vendor
	return m, nil
}

// EncodeSetupConnectionSuccess serializes a SetupConnectionSuccess payload.
func EncodeSetupConnectionSuccess(m SetupConnectionSuccess) []byte {
	buf := make([]byte, 0, 6)
	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], m.UsedVersion)
	buf = append(buf, tmp2[:]...)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], m.Flags)
	return append(buf, tmp4[:]...)
}

// EncodeSetupConnectionError serializes a SetupConnectionError payload.
func EncodeSetupConnectionError(m SetupConnectionError) []byte {
	buf := make([]byte, 0, 8)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], m.Flags)
	buf = append(buf, tmp4[:]...)
	return putSTR0_255(buf, m.Reason)
}

// DecodeOpenExtendedMiningChannel parses an OpenExtendedMiningChannel payload.
func DecodeOpenExtendedMiningChannel(payload []byte) (OpenExtendedMiningChannel, error) {
	var m OpenExtendedMiningChannel
	if len(payload) < 4 {
		return m, fmt.Errorf("%w: OpenExtendedMiningChannel too short", ErrBadPayloadSize)
	}
	m.RequestID = binary.LittleEndian.Uint32(payload[0:4])
	identity, rest, err := getSTR0_255(payload[4:])
	if err != nil {
		return m, err
	}
	m.UserIdentity = identity
	if len(rest) < 4 {
		return m, nil
	}
	bits := binary.LittleEndian.Uint32(rest[0:4])
	m.NominalHashrate = math.Float32frombits(bits)
	rest = rest[4:]

	if len(rest) >= 32 {
		copy(m.MaxTarget[:], rest[0:32])
		rest = rest[32:]
	}
	if len(rest) >= 2 {
		m.MinExtranonce = binary.LittleEndian.Uint16(rest[0:2])
	}
	return m, nil
}
