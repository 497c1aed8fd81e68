package capability

import (
	"context"
	"errors"
	"testing"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte) (string, error) {
	return f.text, f.err
}

func TestTranscriberInterfaceSatisfiedByFake(t *testing.T) {
	var tr Transcriber = &fakeTranscriber{text: "deliver for apartment 4B"}
	got, err := tr.Transcribe(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "deliver for apartment 4B" {
		t.Fatalf("unexpected transcript: %q", got)
	}
}

func TestTranscriberPropagatesProviderError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	var tr Transcriber = &fakeTranscriber{err: wantErr}
	if _, err := tr.Transcribe(context.Background(), nil); !errors.Is(err, wantErr) {
		t.Fatalf("expected provider error to propagate, got %v", err)
	}
}

func TestExtractedIntentZeroValueHasEmptyFields(t *testing.T) {
	var e ExtractedIntent
	if e.IntentType != "" || e.VisitorName != "" || e.Apartment != "" || e.ResidentName != "" {
		t.Fatal("expected zero-value ExtractedIntent to have all empty fields")
	}
}
