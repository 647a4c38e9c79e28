package audio

import (
	"math"
	"time"

	"github.com/talkboard/voice-engine/internal/protocol"
)

// SamplesFromPCM16 converts little-endian signed 16-bit PCM bytes into
// samples. A trailing odd byte is ignored.
func SamplesFromPCM16(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// CalculateRMS calculates the root mean square of audio samples.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSToDecibels converts an RMS level to dBFS relative to 16-bit full scale.
// An RMS of zero is floored at -100 dB.
func RMSToDecibels(rms float64) float64 {
	if rms <= 0 {
		return -100.0
	}
	db := 20 * math.Log10(rms/32768.0)
	if db < -100.0 {
		return -100.0
	}
	return db
}

// Duration returns the playback duration of n PCM bytes in the given format.
func Duration(format protocol.AudioFormat, n int) time.Duration {
	bytesPerSecond := format.SampleRate * format.Channels * format.BitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}
