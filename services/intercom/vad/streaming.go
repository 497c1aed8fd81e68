package vad

import "time"

// StreamingVAD wraps a provider-driven recognizer whose own end-of-segment
// signal (after SegmentTimeout of silence within an open utterance) is
// used instead of BasicVAD's fixed silence-frame count. Selected by
// system.voiceDetectionType = "streaming-recognizer"; SegmentTimeout is
// system.azureSpeechSegmentTimeoutMs.
type StreamingVAD struct {
	base           *BasicVAD
	segmentTimeout time.Duration
	silenceSince   time.Time
	silenceOpen    bool
}

// NewStreamingVAD constructs a StreamingVAD. segmentTimeout is the
// provider's end-of-segment silence timeout.
func NewStreamingVAD(cfg Config, segmentTimeout time.Duration) *StreamingVAD {
	return &StreamingVAD{
		base:           NewBasicVAD(cfg),
		segmentTimeout: segmentTimeout,
	}
}

func (v *StreamingVAD) Feed(pcm []byte) []Event {
	frameBytes := len(pcm)
	e := energy(pcm, 1, frameBytes)
	isSpeech := e >= v.base.cfg.EnergyThresholdAdmit

	if !v.base.speaking {
		v.base.pushPreBuffer(pcm)
		if isSpeech {
			v.base.speaking = true
			v.base.sawStart = true
			v.base.utterance = append(v.base.utterance, v.base.drainPreBuffer()...)
			v.base.utterance = append(v.base.utterance, pcm...)
			v.silenceOpen = false
			return []Event{{Kind: SpeechStart}}
		}
		return nil
	}

	v.base.utterance = append(v.base.utterance, pcm...)
	now := time.Now()
	if isSpeech {
		v.silenceOpen = false
		return nil
	}

	if !v.silenceOpen {
		v.silenceOpen = true
		v.silenceSince = now
		return nil
	}

	if now.Sub(v.silenceSince) < v.segmentTimeout {
		return nil
	}

	if ev, ok := v.base.finish(); ok {
		return []Event{ev}
	}
	return nil
}

func (v *StreamingVAD) NotePlaybackFinished(now time.Time) {
	v.base.NotePlaybackFinished(now)
	v.silenceOpen = false
}

func (v *StreamingVAD) Reset() {
	v.base.Reset()
	v.silenceOpen = false
}

func (v *StreamingVAD) SpeechInProgress() bool { return v.base.SpeechInProgress() }

func (v *StreamingVAD) TimeSinceSpeechStart(now time.Time) time.Duration {
	return v.base.TimeSinceSpeechStart(now)
}

func (v *StreamingVAD) ForceEnd() Event { return v.base.ForceEnd() }

var _ Detector = (*StreamingVAD)(nil)
