package vad

import (
	"time"
)

// silenceFramesToEnd is how many consecutive below-threshold frames end
// an in-progress utterance. At 20ms/frame this is 400ms of silence.
const silenceFramesToEnd = 20

// BasicVAD is a simple energy-threshold detector: a frame is "speech" if
// its average rectified PCM16 magnitude clears EnergyThresholdAdmit.
// Selected by system.voiceDetectionType = "basic-vad".
type BasicVAD struct {
	cfg Config

	speaking       bool
	sawStart       bool
	silenceRun     int
	utterance      []byte
	preBuffer      [][]byte
	preBufferBytes int
	maxPreBuffer   int

	lastPlaybackEnd time.Time
	hasPlaybackEnd  bool
}

// NewBasicVAD constructs a BasicVAD with cfg (use DefaultConfig() and
// override individual fields as needed).
func NewBasicVAD(cfg Config) *BasicVAD {
	frameBytes := int(cfg.FrameDuration.Seconds()*8000) * 2 // 8kHz mono 16-bit
	if frameBytes <= 0 {
		frameBytes = 320
	}
	frames := int(cfg.PreBufferDuration / cfg.FrameDuration)
	if frames <= 0 {
		frames = 100
	}
	return &BasicVAD{
		cfg:          cfg,
		maxPreBuffer: frames * frameBytes,
	}
}

func (v *BasicVAD) Feed(frame []byte) []Event {
	frameBytes := len(frame)
	if frameBytes == 0 {
		return nil
	}

	e := energy(frame, 1, frameBytes)
	isSpeech := e >= v.cfg.EnergyThresholdAdmit

	var events []Event

	if !v.speaking {
		v.pushPreBuffer(frame)
		if isSpeech {
			v.speaking = true
			v.sawStart = true
			v.silenceRun = 0
			v.utterance = append(v.utterance, v.drainPreBuffer()...)
			v.utterance = append(v.utterance, frame...)
			events = append(events, Event{Kind: SpeechStart})
		}
		return events
	}

	v.utterance = append(v.utterance, frame...)
	if isSpeech {
		v.silenceRun = 0
		return events
	}

	v.silenceRun++
	if v.silenceRun < silenceFramesToEnd {
		return events
	}

	// Enough trailing silence: utterance is over.
	if ev, ok := v.finish(); ok {
		events = append(events, ev)
	}
	return events
}

// finish applies the cooperative anti-echo/min-length/min-energy
// filters to the collected utterance and, if it survives, returns a
// SpeechEnd event.
func (v *BasicVAD) finish() (Event, bool) {
	utterance := v.utterance
	sawStart := v.sawStart
	v.resetUtteranceState()

	// Filter 1: anti-echo guard.
	if v.hasPlaybackEnd && time.Since(v.lastPlaybackEnd) < v.cfg.AntiEchoGuardPeriod {
		return Event{}, false
	}

	// Filter 2: no-start.
	if !sawStart {
		return Event{}, false
	}

	// Filter 3: minimum length, unless the caller configured retention
	// of short utterances (resident leg: "yes"/"no" replies).
	frameBytes := int(v.cfg.FrameDuration.Seconds()*8000) * 2
	if frameBytes <= 0 {
		frameBytes = 320
	}
	frameCount := len(utterance) / frameBytes
	if frameCount < v.cfg.MinFrames && !v.cfg.RetainShortUtterance {
		return Event{}, false
	}

	// Filter 4: minimum energy over the final N frames (end-of-speech
	// confirmation threshold, stricter than the admission threshold).
	confirmFrames := v.cfg.MinFrames
	if confirmFrames <= 0 {
		confirmFrames = 1
	}
	if energy(utterance, confirmFrames, frameBytes) < v.cfg.EnergyThresholdEnd {
		return Event{}, false
	}

	return Event{Kind: SpeechEnd, Utterance: utterance}, true
}

func (v *BasicVAD) resetUtteranceState() {
	v.speaking = false
	v.sawStart = false
	v.silenceRun = 0
	v.utterance = nil
}

func (v *BasicVAD) pushPreBuffer(frame []byte) {
	v.preBuffer = append(v.preBuffer, frame)
	v.preBufferBytes += len(frame)
	for v.preBufferBytes > v.maxPreBuffer && len(v.preBuffer) > 0 {
		v.preBufferBytes -= len(v.preBuffer[0])
		v.preBuffer = v.preBuffer[1:]
	}
}

func (v *BasicVAD) drainPreBuffer() []byte {
	var out []byte
	for _, f := range v.preBuffer {
		out = append(out, f...)
	}
	v.preBuffer = nil
	v.preBufferBytes = 0
	return out
}

func (v *BasicVAD) NotePlaybackFinished(now time.Time) {
	v.lastPlaybackEnd = now
	v.hasPlaybackEnd = true
	v.Reset()
}

func (v *BasicVAD) Reset() {
	v.resetUtteranceState()
	v.preBuffer = nil
	v.preBufferBytes = 0
}

func (v *BasicVAD) SpeechInProgress() bool {
	return v.speaking
}

func (v *BasicVAD) TimeSinceSpeechStart(now time.Time) time.Duration {
	frameBytes := int(v.cfg.FrameDuration.Seconds()*8000) * 2
	if frameBytes <= 0 {
		frameBytes = 320
	}
	frames := len(v.utterance) / frameBytes
	return time.Duration(frames) * v.cfg.FrameDuration
}

func (v *BasicVAD) ForceEnd() Event {
	utterance := v.utterance
	v.resetUtteranceState()
	return Event{Kind: SpeechEnd, Utterance: utterance}
}

var _ Detector = (*BasicVAD)(nil)
