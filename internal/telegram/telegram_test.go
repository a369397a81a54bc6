package telegram

import (
	"errors"
	"testing"

	"github.com/arung-agamani/mediabot/internal/transport"
)

func TestHighestQualityIDPrefersLargestPhoto(t *testing.T) {
	m := sentMessageJSON{}
	m.Photo = []struct {
		FileID string `json:"file_id"`
	}{{FileID: "small"}, {FileID: "large"}}

	if got := m.highestQualityID(); got != "large" {
		t.Errorf("highestQualityID() = %q, want %q", got, "large")
	}
}

func TestHighestQualityIDFallsBackToDocument(t *testing.T) {
	m := sentMessageJSON{}
	m.Document = &struct {
		FileID string `json:"file_id"`
	}{FileID: "doc-id"}

	if got := m.highestQualityID(); got != "doc-id" {
		t.Errorf("highestQualityID() = %q, want %q", got, "doc-id")
	}
}

func TestAttachmentFieldsOmitsZeroValues(t *testing.T) {
	fields := attachmentFields(42, transport.Attachment{Caption: "hi"})
	if fields["chat_id"] != "42" {
		t.Errorf("chat_id = %q, want 42", fields["chat_id"])
	}
	if fields["caption"] != "hi" {
		t.Errorf("caption = %q, want hi", fields["caption"])
	}
	if _, ok := fields["width"]; ok {
		t.Error("expected width omitted when zero")
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }

func TestIsTimeoutRecognizesTimeouter(t *testing.T) {
	if !isTimeout(fakeTimeoutErr{}) {
		t.Error("expected fakeTimeoutErr to be recognized as a timeout")
	}
	if isTimeout(errors.New("boom")) {
		t.Error("expected a plain error to not be a timeout")
	}
}
