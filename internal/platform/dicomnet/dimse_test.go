package dicomnet

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestCommand_StoreRequestRoundTrip(t *testing.T) {
	in := &Command{
		CommandField:           CommandCStoreRQ,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstanceUID: "1.2.3",
		MessageID:              42,
		HasDataSet:             true,
	}
	raw := in.Encode()

	if len(raw)%2 != 0 {
		t.Errorf("command set must have even length, got %d", len(raw))
	}
	if got := binary.LittleEndian.Uint32(raw[8:12]); int(got) != len(raw)-12 {
		t.Errorf("group length %d does not match body %d", got, len(raw)-12)
	}

	out, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if *out != *in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
	if out.IsResponse() {
		t.Error("request decoded as response")
	}
}

func TestCommand_ResponseRoundTrip(t *testing.T) {
	in := &Command{
		CommandField:         CommandCEchoRSP,
		AffectedSOPClassUID:  VerificationSOPClass,
		MessageIDRespondedTo: 7,
		Status:               StatusProcessingFailure,
	}
	out, err := DecodeCommand(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsResponse() || out.Status != StatusProcessingFailure || out.MessageIDRespondedTo != 7 || out.HasDataSet {
		t.Errorf("unexpected response %+v", out)
	}
}

func TestDecodeCommand_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"truncated header": {0, 0, 0},
		"overrun":          {0, 0, 0, 1, 10, 0, 0, 0, 1},
		"no command field": appendUS(nil, elemMessageID, 1),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeCommand(data); !errors.Is(err, ErrMalformedPDU) {
				t.Errorf("expected ErrMalformedPDU, got %v", err)
			}
		})
	}
}
