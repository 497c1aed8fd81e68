package vad

import (
	"encoding/binary"
	"testing"
	"time"
)

func toneFrame(amplitude int16, frameBytes int) []byte {
	pcm := make([]byte, frameBytes)
	for i := 0; i+1 < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(amplitude))
	}
	return pcm
}

func TestShortUtteranceDroppedOnVisitorLeg(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetainShortUtterance = false
	v := NewBasicVAD(cfg)

	loud := toneFrame(1000, 320)
	quiet := toneFrame(0, 320)

	var events []Event
	events = append(events, v.Feed(loud)...) // SpeechStart
	for i := 0; i < silenceFramesToEnd; i++ {
		events = append(events, v.Feed(quiet)...)
	}

	for _, e := range events {
		if e.Kind == SpeechEnd {
			t.Fatalf("expected short utterance to be dropped on visitor leg")
		}
	}
}

func TestShortUtteranceRetainedOnResidentLeg(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetainShortUtterance = true
	cfg.EnergyThresholdEnd = 0 // isolate the length filter
	v := NewBasicVAD(cfg)

	loud := toneFrame(1000, 320)
	quiet := toneFrame(0, 320)

	var events []Event
	events = append(events, v.Feed(loud)...)
	for i := 0; i < silenceFramesToEnd; i++ {
		events = append(events, v.Feed(quiet)...)
	}

	found := false
	for _, e := range events {
		if e.Kind == SpeechEnd {
			found = true
		}
	}
	if !found {
		t.Fatal("expected short utterance to survive on resident leg")
	}
}

func TestEnergyStrictRejectionBoundary(t *testing.T) {
	// Average rectified magnitude of exactly 600 is admitted; 599 is not.
	frameBytes := 320
	atThreshold := make([]byte, frameBytes)
	belowThreshold := make([]byte, frameBytes)
	for i := 0; i+1 < frameBytes; i += 2 {
		binary.LittleEndian.PutUint16(atThreshold[i:], uint16(int16(600)))
		binary.LittleEndian.PutUint16(belowThreshold[i:], uint16(int16(599)))
	}

	if e := energy(atThreshold, 1, frameBytes); e < 600 {
		t.Fatalf("expected energy >= 600, got %v", e)
	}
	if e := energy(belowThreshold, 1, frameBytes); !(e < 600) {
		t.Fatalf("expected energy < 600, got %v", e)
	}
}

func TestAntiEchoGuardDropsSpeechEndNearPlayback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnergyThresholdEnd = 0
	cfg.MinFrames = 1
	v := NewBasicVAD(cfg)
	v.NotePlaybackFinished(time.Now())

	loud := toneFrame(1000, 320)
	quiet := toneFrame(0, 320)

	var events []Event
	events = append(events, v.Feed(loud)...)
	for i := 0; i < silenceFramesToEnd; i++ {
		events = append(events, v.Feed(quiet)...)
	}

	for _, e := range events {
		if e.Kind == SpeechEnd {
			t.Fatal("expected SpeechEnd to be dropped within anti-echo guard period")
		}
	}
}

func TestForceEndOnDeadlock(t *testing.T) {
	v := NewBasicVAD(DefaultConfig())
	loud := toneFrame(1000, 320)
	v.Feed(loud)

	if !v.SpeechInProgress() {
		t.Fatal("expected speech in progress after SpeechStart")
	}
	ev := v.ForceEnd()
	if ev.Kind != SpeechEnd {
		t.Fatalf("expected SpeechEnd from ForceEnd, got %v", ev.Kind)
	}
	if v.SpeechInProgress() {
		t.Fatal("expected speech no longer in progress after ForceEnd")
	}
}
