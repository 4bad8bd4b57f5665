package queue

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
)

func TestReplyData(t *testing.T) {
	data, err := replyData("/audio/generate", &Reply{Code: 200, Data: json.RawMessage(`{"audio_path":"a.mp3"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"audio_path":"a.mp3"}` {
		t.Errorf("unexpected data %s", data)
	}

	_, err = replyData("/audio/export", &Reply{Code: 400, Message: "dialogue has no audio"})
	if !errors.Is(err, domainerrors.ErrTransportFailure) {
		t.Fatalf("expected TransportFailure, got %v", err)
	}
	if err.Error() != "/audio/export failed: dialogue has no audio" {
		t.Errorf("unexpected message %q", err.Error())
	}

	_, err = replyData("/audio/export", &Reply{Code: 500})
	if err == nil || !strings.Contains(err.Error(), "code 500") {
		t.Errorf("expected code in message, got %v", err)
	}
}

func TestReplyKey(t *testing.T) {
	id := uuid.MustParse("6f1c2a9e-3b7d-4e59-9a0c-2d8f1b4e7a11")
	if got := replyKey(id); got != "reply:6f1c2a9e-3b7d-4e59-9a0c-2d8f1b4e7a11" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestJobEnvelopeRoundTrip(t *testing.T) {
	job := Job{ID: uuid.New(), Method: "POST", Path: "/audio/generate", Body: json.RawMessage(`{"content":"hi"}`), ReplyTo: "reply:x"}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "method", "path", "body", "reply_to"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("envelope missing %q", key)
		}
	}
	if string(fields["body"]) != `{"content":"hi"}` {
		t.Errorf("body must be embedded verbatim, got %s", fields["body"])
	}
}
