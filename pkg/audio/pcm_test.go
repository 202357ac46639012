package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/sonolith/callsight/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// sinePCM produces n samples of a 440 Hz sine wave at the given rate with
// amplitude 10000, loud enough to register as speech energy.
func sinePCM(n, rate int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(10000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return samplesToBytes(samples)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name       string
		bytes      int
		sampleRate int
		channels   int
		want       float64
	}{
		{"one second mono 16k", 32000, 16000, 1, 1.0},
		{"six seconds mono 16k", 192000, 16000, 1, 6.0},
		{"one second stereo 48k", 192000, 48000, 2, 1.0},
		{"half window", 16000, 16000, 1, 0.5},
		{"zero bytes", 0, 16000, 1, 0},
		{"invalid rate", 32000, 0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.Duration(tt.bytes, tt.sampleRate, tt.channels)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Duration(%d, %d, %d) = %v, want %v", tt.bytes, tt.sampleRate, tt.channels, got, tt.want)
			}
		})
	}
}

func TestDurationWithinOneSample(t *testing.T) {
	// A flush of N bytes at rate R must report N/(2R) within one sample.
	const rate = 16000
	for _, n := range []int{2, 31998, 32002, 191998} {
		got := audio.Duration(n, rate, 1)
		want := float64(n) / float64(2*rate)
		if math.Abs(got-want) > 1.0/float64(rate) {
			t.Errorf("Duration(%d) = %v, want %v within one sample", n, got, want)
		}
	}
}

func TestBytesForDurationRoundTrip(t *testing.T) {
	const rate = 16000
	n := audio.BytesForDuration(5.0, rate, 1)
	if n != 160000 {
		t.Fatalf("BytesForDuration(5.0) = %d, want 160000", n)
	}
	if got := audio.Duration(n, rate, 1); got != 5.0 {
		t.Errorf("round trip duration = %v, want 5.0", got)
	}
}

func TestBytesForDurationAlignment(t *testing.T) {
	// Cut points must land on frame boundaries regardless of the requested
	// duration.
	for _, sec := range []float64{0.1, 0.333, 1.27, 9.999} {
		n := audio.BytesForDuration(sec, 16000, 1)
		if !audio.Aligned(n, 1) {
			t.Errorf("BytesForDuration(%v) = %d bytes, not sample-aligned", sec, n)
		}
	}
	n := audio.BytesForDuration(0.333, 44100, 2)
	if n%4 != 0 {
		t.Errorf("stereo cut %d not frame-aligned", n)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers: %q %q", wav[0:4], wav[8:12])
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("riff size = %d, want %d", got, 36+len(pcm))
	}
	if got := binary.LittleEndian.Uint16(wav[20:22]); got != 1 {
		t.Errorf("audio format = %d, want 1 (PCM)", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[32:34]); got != 2 {
		t.Errorf("block align = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 16 {
		t.Errorf("bits per sample = %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
	if string(wav[44:]) != string(pcm) {
		t.Errorf("payload mismatch")
	}
}

func TestRMS(t *testing.T) {
	silence := make([]byte, 3200)
	if got := audio.RMS(silence); got != 0 {
		t.Errorf("RMS(silence) = %v, want 0", got)
	}
	speech := sinePCM(1600, 16000)
	if got := audio.RMS(speech); got < 1000 {
		t.Errorf("RMS(sine) = %v, want >= 1000", got)
	}
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
}

func TestAligned(t *testing.T) {
	if !audio.Aligned(3200, 1) {
		t.Error("3200 bytes mono should be aligned")
	}
	if audio.Aligned(3201, 1) {
		t.Error("odd byte count should not be aligned")
	}
	if audio.Aligned(6, 2) {
		t.Error("6 bytes stereo is a torn frame")
	}
	if audio.Aligned(10, 0) {
		t.Error("zero channels should never be aligned")
	}
}
