package audio

import (
	"encoding/binary"

	"github.com/recmeet/recmeet/internal/capture"
)

// HeaderSize is the byte length of a canonical PCM RIFF/WAVE header.
const HeaderSize = 44

// wavHeader represents a canonical 16-bit PCM WAV header.
type wavHeader struct {
	// RIFF chunk descriptor
	chunkSize uint32 // 36 + dataSize

	// "fmt " sub-chunk
	numChannels   uint16
	sampleRate    uint32
	byteRate      uint32 // sampleRate * numChannels * bitsPerSample/8
	blockAlign    uint16 // numChannels * bitsPerSample/8
	bitsPerSample uint16

	// "data" sub-chunk
	dataSize uint32
}

// EncodeHeader builds a 44-byte PCM WAV header for dataSize payload bytes
// in the given format. Used to synthesize capture files in tests and to
// anchor the validator's size-estimate stage.
func EncodeHeader(sampleRate, channels, dataSize int) []byte {
	const bitsPerSample = 16

	h := wavHeader{
		chunkSize:     uint32(36 + dataSize),
		numChannels:   uint16(channels),
		sampleRate:    uint32(sampleRate),
		byteRate:      uint32(sampleRate * channels * bitsPerSample / 8),
		blockAlign:    uint16(channels * bitsPerSample / 8),
		bitsPerSample: bitsPerSample,
		dataSize:      uint32(dataSize),
	}

	buf := make([]byte, HeaderSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], h.chunkSize)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM sub-chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(buf[22:24], h.numChannels)
	binary.LittleEndian.PutUint32(buf[24:28], h.sampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], h.byteRate)
	binary.LittleEndian.PutUint16(buf[32:34], h.blockAlign)
	binary.LittleEndian.PutUint16(buf[34:36], h.bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], h.dataSize)
	return buf
}

// EncodeCaptureHeader builds a header in the normalized capture format
// (16 kHz, 16-bit, mono).
func EncodeCaptureHeader(dataSize int) []byte {
	return EncodeHeader(capture.SampleRate, capture.Channels, dataSize)
}
