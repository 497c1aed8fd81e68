// Package capability defines the external speech and language
// providers a session depends on: transcription, synthesis, and intent
// extraction. Every capability is an interface; concrete backends live
// in the sibling files of this package (gRPC-pooled STT/TTS, an
// OpenAI-backed extractor) and are swappable per deployment.
package capability

import "context"

// Transcriber turns an utterance's raw PCM16LE audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// SynthesisRequest names what to speak and how.
type SynthesisRequest struct {
	Text  string
	Voice string
}

// Synthesizer turns text into raw PCM16LE audio ready to frame and
// send back down an AudioSocket connection.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// ExtractedIntent is the structured result of intent extraction over
// one visitor utterance. Fields are empty when not present in the
// utterance; callers merge this into the session's running Intent.
type ExtractedIntent struct {
	IntentType   string
	VisitorName  string
	Apartment    string
	ResidentName string
}

// IntentExtractor pulls structured fields out of free-form visitor
// speech transcripts.
type IntentExtractor interface {
	Extract(ctx context.Context, transcript string) (ExtractedIntent, error)
}
