package playback

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkboard/voice-engine/internal/device"
	"github.com/talkboard/voice-engine/internal/protocol"
)

var testFormat = protocol.AudioFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// frame builds a 20ms chunk whose first byte tags the sequence number, so
// write order is observable at the sink.
func frame(tag int) []byte {
	data := make([]byte, 640)
	data[0] = byte(tag)
	return data
}

func tags(writes [][]byte) []int {
	out := make([]int, len(writes))
	for i, w := range writes {
		out[i] = int(w[0])
	}
	return out
}

func seqp(n int) *int { return &n }

// newTestScheduler disables the pacing clock; tests drive tickOnce directly.
func newTestScheduler(sink device.Playback, opts Options) *Scheduler {
	opts.Tick = 0
	return NewScheduler(sink, opts, nil, zerolog.Nop())
}

func TestScheduler_InOrderPlayback(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	for i := 0; i < 4; i++ {
		s.Enqueue(1, seqp(i), testFormat, frame(i))
	}

	got := tags(sink.Writes())
	want := []int{0, 1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %d writes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d: got seq %d, want %d", i, got[i], want[i])
		}
	}
}

func TestScheduler_ReordersOutOfOrderChunks(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	// 2 and 3 arrive before 1; nothing past 0 may play until 1 fills the gap.
	s.Enqueue(1, seqp(0), testFormat, frame(0))
	s.Enqueue(1, seqp(2), testFormat, frame(2))
	s.Enqueue(1, seqp(3), testFormat, frame(3))
	if got := tags(sink.Writes()); len(got) != 1 || got[0] != 0 {
		t.Fatalf("writes before gap filled: %v, want [0]", got)
	}

	s.Enqueue(1, seqp(1), testFormat, frame(1))
	got := tags(sink.Writes())
	want := []int{0, 1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got writes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got writes %v, want %v", got, want)
		}
	}
}

func TestScheduler_DropsLateAndDuplicateChunks(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	s.Enqueue(1, seqp(0), testFormat, frame(0))
	s.Enqueue(1, seqp(1), testFormat, frame(1))
	s.Enqueue(1, seqp(0), testFormat, frame(9)) // duplicate of an already played seq
	s.Enqueue(1, seqp(3), testFormat, frame(3))
	s.Enqueue(1, seqp(3), testFormat, frame(9)) // duplicate of a held seq
	s.Enqueue(1, seqp(2), testFormat, frame(2))

	got := tags(sink.Writes())
	want := []int{0, 1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got writes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got writes %v, want %v", got, want)
		}
	}
}

func TestScheduler_StartWatermark(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{
		MaxBuffer:      time.Second,
		StartWatermark: 50 * time.Millisecond,
	})

	s.Enqueue(1, seqp(0), testFormat, frame(0))
	s.Enqueue(1, seqp(1), testFormat, frame(1))
	if sink.Running() || len(sink.Writes()) != 0 {
		t.Fatal("playback started below the watermark")
	}

	// Third 20ms chunk crosses 50ms.
	s.Enqueue(1, seqp(2), testFormat, frame(2))
	if !sink.Running() {
		t.Fatal("playback did not start at the watermark")
	}
	if got := len(sink.Writes()); got != 3 {
		t.Errorf("got %d writes after start, want 3", got)
	}
}

func TestScheduler_BudgetDropsOldestNotNewest(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{
		MaxBuffer:      100 * time.Millisecond,
		StartWatermark: time.Hour, // never start, so everything stays queued
	})

	// Six 20ms chunks against a 100ms budget: seq 0 must be evicted.
	for i := 0; i < 6; i++ {
		s.Enqueue(1, seqp(i), testFormat, frame(i))
	}

	if got := s.QueuedDuration(); got > 100*time.Millisecond {
		t.Errorf("queued %v exceeds the budget", got)
	}
}

func TestScheduler_GapDeclaredLostUnderPressure(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{
		MaxBuffer: 100 * time.Millisecond,
	})

	// Seq 0 never arrives. Chunks 1..6 pile up as held; the budget forces
	// the gap to be declared lost rather than waiting forever.
	for i := 1; i <= 6; i++ {
		s.Enqueue(1, seqp(i), testFormat, frame(i))
	}

	got := tags(sink.Writes())
	if len(got) == 0 {
		t.Fatal("playback stalled on a missing chunk")
	}
	// Seq 1 is evicted as the oldest when the budget trips; the rest play
	// in order.
	want := []int{2, 3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("got writes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got writes %v, want %v", got, want)
		}
	}
}

func TestScheduler_InterruptStopsAndClears(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	s.Enqueue(1, seqp(0), testFormat, frame(0))
	s.Enqueue(1, seqp(2), testFormat, frame(2)) // held

	s.Interrupt()
	if sink.Running() {
		t.Error("sink still running after interrupt")
	}
	if got := s.QueuedDuration(); got != 0 {
		t.Errorf("queued %v after interrupt, want 0", got)
	}

	// Late chunks for the interrupted segment are discarded silently.
	s.Enqueue(1, seqp(1), testFormat, frame(1))
	s.Enqueue(1, seqp(3), testFormat, frame(3))
	if got := len(sink.Writes()); got != 1 {
		t.Errorf("interrupted segment chunks played, %d writes", got)
	}

	// A new segment starts from a clean slate.
	s.Enqueue(2, seqp(0), testFormat, frame(7))
	got := tags(sink.Writes())
	if len(got) != 2 || got[1] != 7 {
		t.Errorf("new segment after interrupt: writes %v", got)
	}
}

func TestScheduler_InterruptIdempotent(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	s.Enqueue(1, seqp(0), testFormat, frame(0))
	s.Interrupt()
	s.Interrupt()
	s.Interrupt()
	// No panic, no replay; the sink just sees repeated stops.
	if sink.Running() {
		t.Error("sink running after repeated interrupts")
	}
}

func TestScheduler_NewSegmentResetsSequence(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	s.Enqueue(1, seqp(0), testFormat, frame(1))
	s.Enqueue(1, seqp(1), testFormat, frame(2))

	// Next segment restarts sequence numbering at zero.
	s.Enqueue(2, seqp(0), testFormat, frame(3))
	s.Enqueue(2, seqp(1), testFormat, frame(4))

	got := tags(sink.Writes())
	want := []int{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got writes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got writes %v, want %v", got, want)
		}
	}
}

func TestScheduler_UnsequencedChunksPlayInArrivalOrder(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	s.Enqueue(1, nil, testFormat, frame(1))
	s.Enqueue(1, nil, testFormat, frame(2))
	s.Enqueue(1, nil, testFormat, frame(3))

	got := tags(sink.Writes())
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got writes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got writes %v, want %v", got, want)
		}
	}
}

func TestScheduler_SegmentEndAtLowWatermark(t *testing.T) {
	sink := device.NewFakePlayback()
	var ended []int64
	s := newTestScheduler(sink, Options{
		MaxBuffer:    time.Second,
		LowWatermark: 25 * time.Millisecond,
		OnSegmentEnd: func(id int64) { ended = append(ended, id) },
	})

	s.Enqueue(7, seqp(0), testFormat, frame(0))
	s.Enqueue(7, seqp(1), testFormat, frame(1))
	// 40ms written; the first tick drains to 30ms, still above the watermark.
	s.tickOnce(10 * time.Millisecond)
	if len(ended) != 0 {
		t.Fatal("segment ended with audio above the low watermark")
	}

	// Second tick drains to 20ms with nothing buffered: segment over.
	s.tickOnce(10 * time.Millisecond)
	if len(ended) != 1 || ended[0] != 7 {
		t.Fatalf("segment end events: %v, want [7]", ended)
	}
	if sink.Running() {
		t.Error("sink still running after segment end")
	}
}

func TestScheduler_ShortSegmentPlaysAtEndOfStream(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{
		MaxBuffer:      time.Second,
		StartWatermark: 250 * time.Millisecond,
	})

	// Only 100ms of audio: the watermark alone would hold this forever.
	for i := 0; i < 5; i++ {
		s.Enqueue(1, seqp(i), testFormat, frame(i))
	}
	if got := len(sink.Writes()); got != 0 {
		t.Fatalf("playback started below the watermark, %d writes", got)
	}

	s.EndOfStream(1, 4)
	got := tags(sink.Writes())
	want := []int{0, 1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got writes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got writes %v, want %v", got, want)
		}
	}
	if !sink.Running() {
		t.Error("sink not running after end of stream released playback")
	}
}

func TestScheduler_EndOfStreamSkipsTrailingGap(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	// Seq 1 is lost in transit; seq 2 sits held behind the gap.
	s.Enqueue(1, seqp(0), testFormat, frame(0))
	s.Enqueue(1, seqp(2), testFormat, frame(2))

	s.EndOfStream(1, 2)
	got := tags(sink.Writes())
	want := []int{0, 2}
	if len(got) != len(want) {
		t.Fatalf("got writes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got writes %v, want %v", got, want)
		}
	}
}

func TestScheduler_EndOfStreamUnsequencedClip(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{
		MaxBuffer:      time.Second,
		StartWatermark: 250 * time.Millisecond,
	})

	// One 20ms unsequenced clip, no last sequence number to reconcile.
	s.Enqueue(1, nil, testFormat, frame(5))
	if got := len(sink.Writes()); got != 0 {
		t.Fatalf("clip played below the watermark, %d writes", got)
	}

	s.EndOfStream(1, -1)
	if got := tags(sink.Writes()); len(got) != 1 || got[0] != 5 {
		t.Fatalf("got writes %v, want [5]", got)
	}
}

func TestScheduler_EndOfStreamIgnoresOtherSegments(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{
		MaxBuffer:      time.Second,
		StartWatermark: 250 * time.Millisecond,
	})

	s.Enqueue(1, seqp(0), testFormat, frame(0))
	s.EndOfStream(2, 0) // a stale marker for some other segment
	if got := len(sink.Writes()); got != 0 {
		t.Fatalf("stale end marker released playback, %d writes", got)
	}

	s.EndOfStream(1, 0)
	if got := len(sink.Writes()); got != 1 {
		t.Fatalf("got %d writes after matching end marker, want 1", got)
	}
}

func TestScheduler_SegmentSwitchStopsSink(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	s.Enqueue(1, seqp(0), testFormat, frame(1))
	if !sink.Running() {
		t.Fatal("first segment did not start")
	}
	stops := sink.StopCalls

	// A new segment id while the old one is still playing must silence the
	// old tail before the new audio starts.
	s.Enqueue(2, seqp(0), testFormat, frame(2))
	if sink.StopCalls != stops+1 {
		t.Errorf("got %d sink stops across the switch, want %d", sink.StopCalls, stops+1)
	}
	if !sink.Running() {
		t.Error("sink not restarted for the new segment")
	}

	got := tags(sink.Writes())
	want := []int{1, 2}
	if len(got) != len(want) {
		t.Fatalf("got writes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got writes %v, want %v", got, want)
		}
	}
}

func TestScheduler_CloseReleasesSink(t *testing.T) {
	sink := device.NewFakePlayback()
	s := newTestScheduler(sink, Options{MaxBuffer: time.Second})

	s.Enqueue(1, seqp(0), testFormat, frame(0))
	s.Close()
	s.Close() // second close is a no-op

	if !sink.Released() {
		t.Error("sink not released on close")
	}

	// Chunks after close are ignored.
	s.Enqueue(1, seqp(1), testFormat, frame(1))
	if got := len(sink.Writes()); got != 1 {
		t.Errorf("write after close, %d writes", got)
	}
}
