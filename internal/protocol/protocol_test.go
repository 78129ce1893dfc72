package protocol

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/collabcore/server/internal/models"
)

func TestEncodeWrapsPayloadInEnvelope(t *testing.T) {
	data, err := Encode(TypeUpdate, UpdatePayload{
		Update:      []byte{1, 2, 3},
		ClientID:    "client-1",
		LamportTime: 42,
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.Type != TypeUpdate {
		t.Fatalf("expected type %s, got %s", TypeUpdate, env.Type)
	}

	var payload UpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.ClientID != "client-1" || payload.LamportTime != 42 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEncodeErrorProducesErrorEnvelope(t *testing.T) {
	data, err := EncodeError(ErrAccessDenied, "not allowed")
	if err != nil {
		t.Fatalf("EncodeError failed: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.Type != TypeError {
		t.Fatalf("expected type %s, got %s", TypeError, env.Type)
	}

	var payload ErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Code != ErrAccessDenied || payload.Message != "not allowed" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestJoinRoomPayloadRoundTrip(t *testing.T) {
	want := JoinRoomPayload{
		DocumentID: models.DocumentId(7),
		ClientID:   "client-abc",
		Token:      "tok",
	}
	data, err := Encode(TypeJoinRoom, want)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}

	var got JoinRoomPayload
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
	}
}
