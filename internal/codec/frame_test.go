package codec

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCRC16IBM_StandardCheckValue verifies the implementation against the
// well-known CRC-16/ARC (equivalent to CRC-16/IBM) check value for the
// ASCII string "123456789", independent of any Teltonika-specific frame.
func TestCRC16IBM_StandardCheckValue(t *testing.T) {
	assert.Equal(t, uint16(0xBB3D), CRC16IBM([]byte("123456789")))
}

func TestClassify_Handshake(t *testing.T) {
	imei := "123456789012345"
	buf := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(imei)))
	copy(buf[2:], imei)

	assert.Equal(t, KindHandshake, Classify(buf))

	got, consumed, err := DecodeHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, imei, got)
	assert.Equal(t, len(buf), consumed)
}

func TestClassify_NeedMoreBytes(t *testing.T) {
	assert.Equal(t, KindNeedMoreBytes, Classify(nil))
	assert.Equal(t, KindNeedMoreBytes, Classify([]byte{0, 0, 0, 0, 0, 0, 0}))
}

func TestEncodeCodec12Request_Structure(t *testing.T) {
	frame := EncodeCodec12Request("getver")

	require.True(t, len(frame) > 12)
	assert.True(t, isZero(frame[0:4]), "preamble must be all zero")

	dataLen := binary.BigEndian.Uint32(frame[4:8])
	data := frame[8 : 8+dataLen]
	assert.Equal(t, byte(Codec12), data[0])
	assert.Equal(t, byte(0x01), data[1])
	assert.Equal(t, byte(0x05), data[2])

	cmdLen := binary.BigEndian.Uint32(data[3:7])
	assert.Equal(t, "getver", string(data[7:7+cmdLen]))
	assert.Equal(t, byte(0x01), data[7+cmdLen])

	crcBytes := frame[8+dataLen:]
	expectedCRC := CRC16IBM(data)
	gotCRC := uint16(crcBytes[2])<<8 | uint16(crcBytes[3])
	assert.Equal(t, expectedCRC, gotCRC)
}

// buildCodec12Response constructs a synthetic Codec 12 (type 0x06) response
// frame carrying text, the counterpart to what a real device sends back.
func buildCodec12Response(text string) []byte {
	body := []byte(text)
	data := make([]byte, 0, 7+len(body)+1)
	data = append(data, byte(Codec12), 0x01, 0x06)
	respSize := make([]byte, 4)
	binary.BigEndian.PutUint32(respSize, uint32(len(body)))
	data = append(data, respSize...)
	data = append(data, body...)
	data = append(data, 0x01)

	crc := CRC16IBM(data)

	out := make([]byte, 0, 8+len(data)+4)
	out = append(out, 0, 0, 0, 0)
	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(data)))
	out = append(out, dataLen...)
	out = append(out, data...)
	out = append(out, 0, 0, byte(crc>>8), byte(crc))
	return out
}

func TestDecodeCodec12Response_RoundTrip(t *testing.T) {
	frame := buildCodec12Response("ver:03.25.16 hw:FMB920")

	text, consumed, crcValid, err := DecodeCodec12Response(frame)
	require.NoError(t, err)
	assert.Equal(t, "ver:03.25.16 hw:FMB920", text)
	assert.Equal(t, len(frame), consumed)
	assert.True(t, crcValid)
}

func TestDecodeCodec12Response_ToleratesCRCMismatch(t *testing.T) {
	frame := buildCodec12Response("ok")
	frame[len(frame)-1] ^= 0xFF // corrupt the low CRC byte

	text, _, crcValid, err := DecodeCodec12Response(frame)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.False(t, crcValid)
}

func TestDecodeCodec12Response_NeedMoreBytes(t *testing.T) {
	frame := buildCodec12Response("ok")
	_, _, _, err := DecodeCodec12Response(frame[:len(frame)-2])
	assert.ErrorIs(t, err, ErrNeedMoreBytes)
}

// buildCodec8Frame constructs a single-record, zero-IO Codec 8 AVL frame.
func buildCodec8Frame(ts time.Time, lat, lng float64, sats int) []byte {
	record := make([]byte, 0, 26)

	tsMillis := uint64(ts.UnixMilli())
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, tsMillis)
	record = append(record, tsBuf...)

	record = append(record, 0x01) // priority

	lngBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lngBuf, uint32(int32(lng*1e7)))
	record = append(record, lngBuf...)

	latBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(latBuf, uint32(int32(lat*1e7)))
	record = append(record, latBuf...)

	record = append(record, 0, 100) // altitude=100
	record = append(record, 0, 0)   // angle=0
	record = append(record, byte(sats))
	record = append(record, 0, 50) // speed=50 kph

	record = append(record, 0x01) // eventID
	record = append(record, 0x00) // totalIO = 0

	data := make([]byte, 0, 1+1+len(record)+1)
	data = append(data, byte(Codec8), 0x01) // codecID, Q1=1
	data = append(data, record...)
	data = append(data, 0x01) // Q2=1

	crc := CRC16IBM(data)

	out := make([]byte, 0, 8+len(data)+4)
	out = append(out, 0, 0, 0, 0)
	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(data)))
	out = append(out, dataLen...)
	out = append(out, data...)
	out = append(out, 0, 0, byte(crc>>8), byte(crc))
	return out
}

func TestDecodeAVL_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	frame := buildCodec8Frame(ts, 54.6872, 25.2797, 7)

	batch, err := DecodeAVL(frame)
	require.NoError(t, err)
	assert.Equal(t, Codec8, batch.Codec)
	assert.Equal(t, 1, batch.Quantity1)
	assert.Equal(t, batch.Quantity1, batch.Quantity2)
	assert.True(t, batch.CRCValid)
	assert.Equal(t, len(frame), batch.ConsumedLen)

	require.Len(t, batch.Records, 1)
	rec := batch.Records[0]
	assert.Equal(t, ts.Unix(), rec.Timestamp.Unix())
	assert.InDelta(t, 54.6872, rec.GPS.Latitude, 1e-6)
	assert.InDelta(t, 25.2797, rec.GPS.Longitude, 1e-6)
	assert.EqualValues(t, 7, rec.GPS.Satellites)
}

func TestDecodeAVL_RejectsQuantityMismatch(t *testing.T) {
	frame := buildCodec8Frame(time.Now(), 1, 1, 5)
	// Corrupt Q2 (last byte of data, right before the CRC quartet).
	dataLen := binary.BigEndian.Uint32(frame[4:8])
	q2Index := 8 + dataLen - 1
	frame[q2Index] = 0x02

	_, err := DecodeAVL(frame)
	assert.Equal(t, ErrMalformed, err)
}

// buildTruncatedCodec8Record builds a single-record Codec 8 AVL frame whose
// record body stops recordLen bytes in, before the eventID/IO-count/Q2
// fields (and, for recordLen < 24, before speed itself) ever appear. The
// frame's own dataLen/CRC are self-consistent, so DecodeAVL must reject it
// via decodeRecord's length guard rather than reading past the record.
func buildTruncatedCodec8Record(recordLen int) []byte {
	full := make([]byte, 0, 24)
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(time.Now().UnixMilli()))
	full = append(full, tsBuf...)
	full = append(full, 0x01) // priority
	full = append(full, 0, 0, 0, 0) // longitude
	full = append(full, 0, 0, 0, 0) // latitude
	full = append(full, 0, 100) // altitude
	full = append(full, 0, 0) // angle
	full = append(full, 5) // satellites
	full = append(full, 0, 50) // speed

	record := full[:recordLen]

	data := make([]byte, 0, 2+len(record))
	data = append(data, byte(Codec8), 0x01)
	data = append(data, record...)

	crc := CRC16IBM(data)

	out := make([]byte, 0, 8+len(data)+4)
	out = append(out, 0, 0, 0, 0)
	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(data)))
	out = append(out, dataLen...)
	out = append(out, data...)
	out = append(out, 0, 0, byte(crc>>8), byte(crc))
	return out
}

func TestDecodeAVL_RejectsRecordTruncatedBeforeSpeed(t *testing.T) {
	for _, recordLen := range []int{22, 23} {
		frame := buildTruncatedCodec8Record(recordLen)
		assert.NotPanics(t, func() {
			_, err := DecodeAVL(frame)
			assert.Equal(t, ErrMalformed, err)
		})
	}
}

func TestClassify_AVLBatch(t *testing.T) {
	frame := buildCodec8Frame(time.Now(), 1, 1, 5)
	assert.Equal(t, KindAVLBatch, Classify(frame))

	// Classify recognizes the codec-id byte as soon as it's in view; it is
	// DecodeAVL's job (not Classify's) to report an incomplete frame.
	_, err := DecodeAVL(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrNeedMoreBytes)
}
