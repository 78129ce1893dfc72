package persistence

import (
	"encoding/base64"
	"testing"

	"github.com/collabcore/server/internal/models"
)

func TestDecodeOperationUpdateRoundTrip(t *testing.T) {
	want := []byte{0x01, 0x02, 0x03, 0xff}
	op := &models.Operation{UpdateB64: base64.StdEncoding.EncodeToString(want)}

	got, err := decodeOperationUpdate(op)
	if err != nil {
		t.Fatalf("decodeOperationUpdate failed: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDecodeOperationUpdateRejectsInvalidBase64(t *testing.T) {
	op := &models.Operation{UpdateB64: "not-valid-base64!!"}
	if _, err := decodeOperationUpdate(op); err == nil {
		t.Fatalf("expected decode error for invalid base64")
	}
}
