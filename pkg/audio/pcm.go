// Package audio provides PCM16 byte math and WAV framing for the streaming
// transcription pipeline. All functions operate on raw 16-bit signed
// little-endian PCM, the only encoding the gateway accepts.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// BitsPerSample is fixed at 16 for the signed little-endian PCM the
	// gateway ingests and the worker fleet expects.
	BitsPerSample = 16

	// BytesPerSample is the width of a single PCM16 sample.
	BytesPerSample = BitsPerSample / 8
)

// BytesPerSecond returns the PCM byte rate for the given sample rate and
// channel count. Returns 0 for non-positive inputs.
func BytesPerSecond(sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return sampleRate * channels * BytesPerSample
}

// Duration returns the playback duration in seconds of n bytes of PCM16
// audio. For mono 16-bit audio this is n / (2 * sampleRate).
func Duration(n, sampleRate, channels int) float64 {
	bps := BytesPerSecond(sampleRate, channels)
	if bps == 0 || n <= 0 {
		return 0
	}
	return float64(n) / float64(bps)
}

// BytesForDuration returns the number of PCM16 bytes covering sec seconds of
// audio, aligned down to a whole frame (sample across all channels) so the
// result is always a valid cut point.
func BytesForDuration(sec float64, sampleRate, channels int) int {
	bps := BytesPerSecond(sampleRate, channels)
	if bps == 0 || sec <= 0 {
		return 0
	}
	n := int(sec * float64(bps))
	frame := channels * BytesPerSample
	return n - n%frame
}

// EncodeWAV wraps raw PCM16 data in a standard 44-byte RIFF/WAV container.
// The returned slice is suitable for direct inclusion in a multipart form
// upload to a transcription worker.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * BytesPerSample
	blockAlign := channels * BytesPerSample
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// RMS returns the root-mean-square energy of a PCM16 buffer in sample units
// (0–32767). Returns 0 for buffers shorter than one sample. Used for
// per-batch energy logging.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample : i*BytesPerSample+BytesPerSample]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Aligned reports whether n bytes form a whole number of PCM16 frames for
// the given channel count. Chunks failing this check carry a torn sample.
func Aligned(n, channels int) bool {
	if channels <= 0 {
		return false
	}
	return n%(channels*BytesPerSample) == 0
}
