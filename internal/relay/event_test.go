package relay

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeEvent_Compact(t *testing.T) {
	got, err := EncodeEvent(Event{Content: "Hel"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"content":"Hel","done":false}` {
		t.Fatalf("unexpected payload: %s", got)
	}
	got, err = EncodeEvent(Event{Content: "x", Done: true, Error: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"content":"x","done":true,"error":true}` {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestEncodeEvent_ASCIIOnly(t *testing.T) {
	ev := Event{Content: "héllo 你好 😀 <b>&"}
	got, err := EncodeEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range got {
		if b >= 0x80 {
			t.Fatalf("payload is not ASCII: %s", got)
		}
	}
	want := `{"content":"h\u00e9llo \u4f60\u597d \ud83d\ude00 <b>&","done":false}`
	if string(got) != want {
		t.Fatalf("unexpected payload:\n got %s\nwant %s", got, want)
	}
	var back Event
	if err := json.Unmarshal(got, &back); err != nil {
		t.Fatal(err)
	}
	if back != ev {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestEncodeEvent_InvalidUTF8(t *testing.T) {
	_, err := EncodeEvent(Event{Content: "ok \xff\xfe"})
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
}

func TestFrame(t *testing.T) {
	got := string(Frame([]byte(`{"content":"a","done":false}`)))
	if got != "data: {\"content\":\"a\",\"done\":false}\n\n" {
		t.Fatalf("unexpected frame: %q", got)
	}
}

func TestFallbackPayloads(t *testing.T) {
	if string(invalidContentPayload) != `{"content":"Error: Content contains invalid characters","done":true,"error":true}` {
		t.Fatalf("unexpected invalid content payload: %s", invalidContentPayload)
	}
	if string(invalidCompletedPayload) != `{"content":"Response completed but contained invalid characters","done":true}` {
		t.Fatalf("unexpected completion fallback: %s", invalidCompletedPayload)
	}
}
