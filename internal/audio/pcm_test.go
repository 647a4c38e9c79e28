package audio

import (
	"math"
	"testing"
	"time"

	"github.com/talkboard/voice-engine/internal/protocol"
)

func TestSamplesFromPCM16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []int16
	}{
		{
			name: "little endian pairs",
			data: []byte{0x01, 0x00, 0x00, 0x80, 0xFF, 0x7F},
			want: []int16{1, -32768, 32767},
		},
		{
			name: "trailing odd byte ignored",
			data: []byte{0x02, 0x00, 0x99},
			want: []int16{2},
		},
		{
			name: "empty",
			data: nil,
			want: []int16{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SamplesFromPCM16(tt.data)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d samples, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCalculateRMS(t *testing.T) {
	// Constant amplitude: RMS equals the amplitude.
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = 1000
	}
	rms := CalculateRMS(samples)
	if math.Abs(rms-1000) > 0.001 {
		t.Errorf("constant signal: got RMS %f, want 1000", rms)
	}

	if got := CalculateRMS(nil); got != 0 {
		t.Errorf("empty input: got %f, want 0", got)
	}
}

func TestRMSToDecibels(t *testing.T) {
	tests := []struct {
		name string
		rms  float64
		want float64
	}{
		{"full scale", 32768, 0},
		{"half scale", 16384, 20 * math.Log10(0.5)},
		{"zero floored", 0, -100},
		{"negative floored", -5, -100},
		{"tiny floored", 0.0001, -100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMSToDecibels(tt.rms)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("got %f dB, want %f dB", got, tt.want)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	format := protocol.AudioFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

	// 640 bytes = 320 samples = 20ms at 16kHz mono.
	if got := Duration(format, 640); got != 20*time.Millisecond {
		t.Errorf("got %v, want 20ms", got)
	}
	if got := Duration(protocol.AudioFormat{}, 640); got != 0 {
		t.Errorf("zero format: got %v, want 0", got)
	}

	stereo := protocol.AudioFormat{SampleRate: 16000, Channels: 2, BitsPerSample: 16}
	if got := Duration(stereo, 640); got != 10*time.Millisecond {
		t.Errorf("stereo: got %v, want 10ms", got)
	}
}
