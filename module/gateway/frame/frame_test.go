package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"FlareIM/tools/errs"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessageFrameRoundTrip(t *testing.T) {
	in := &Frame{
		FrameID:          "f1",
		SessionID:        "s1",
		TenantID:         "t1",
		TS:               1700000000000,
		Type:             TypeMessage,
		MessageID:        "m1",
		ConversationID:   "c1",
		Kind:             "chat",
		Payload:          []byte{0, 1, 2, 0xff},
		MIME:             "application/octet-stream",
		ClientTS:         1699999999999,
		Attributes:       map[string]string{"a": "1", "b": ""},
		Attachments:      []string{"att1", "att2"},
		ReceiverIDs:      []string{"bob"},
		PersistIfOffline: true,
		LossRate:         0.25,
	}
	out, err := Unmarshal(Marshal(in), 0)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.FrameID != "f1" || out.SessionID != "s1" || out.TenantID != "t1" || out.TS != in.TS || out.Type != TypeMessage {
		t.Fatalf("header mismatch: %+v", out)
	}
	if out.MessageID != "m1" || !bytes.Equal(out.Payload, in.Payload) || out.ClientTS != in.ClientTS {
		t.Fatalf("body mismatch: %+v", out)
	}
	if out.Attributes["a"] != "1" || len(out.Attributes) != 2 || len(out.Attachments) != 2 || out.Attachments[1] != "att2" {
		t.Fatalf("repeated fields mismatch: %+v", out)
	}
	if !out.PersistIfOffline || out.RequireOnline || out.LossRate != 0.25 {
		t.Fatalf("flags mismatch: %+v", out)
	}
}

func TestLengthPrefixIsBigEndian(t *testing.T) {
	b := Marshal(&Frame{Type: TypePing})
	n := binary.BigEndian.Uint32(b[:HeaderSize])
	if int(n) != len(b)-HeaderSize {
		t.Fatalf("prefix %d, body %d", n, len(b)-HeaderSize)
	}
	// PING 只有 type 字段：tag(5,varint)=0x28, value=1
	if !bytes.Equal(b[HeaderSize:], []byte{0x28, 0x01}) {
		t.Fatalf("unexpected body % x", b[HeaderSize:])
	}
}

func TestOversizeAndMalformed(t *testing.T) {
	big := Marshal(&Frame{Type: TypeMessage, Payload: make([]byte, 2048)})
	if _, err := Unmarshal(big, 1024); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("oversize want InvalidArgument, got %v", err)
	}
	if _, err := Unmarshal([]byte{0, 0}, 0); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("short header want InvalidArgument, got %v", err)
	}
	bad := Marshal(&Frame{Type: TypePing})
	bad = append(bad, 0x01)
	if _, err := Unmarshal(bad, 0); err == nil {
		t.Fatalf("length mismatch accepted")
	}
	if _, err := Unmarshal(Marshal(&Frame{}), 0); err == nil {
		t.Fatalf("frame without type accepted")
	}
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	body := (&Frame{Type: TypeAck, MessageID: "m1"}).EncodeBody(nil)
	body = protowire.AppendTag(body, 99, protowire.BytesType)
	body = protowire.AppendString(body, "future")
	body = protowire.AppendTag(body, 98, protowire.Fixed32Type)
	body = protowire.AppendFixed32(body, 7)
	f, err := DecodeBody(body)
	if err != nil || f.Type != TypeAck || f.MessageID != "m1" {
		t.Fatalf("decode with unknown fields: %+v %v", f, err)
	}
}

func TestStreamReadWrite(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteTo(&buf, &Frame{Type: TypePing, SessionID: "s1"})
	_ = WriteTo(&buf, &Frame{Type: TypeAck, MessageID: "m9", Status: "read"})
	f1, err := ReadFrom(&buf, 0)
	if err != nil || f1.Type != TypePing || f1.SessionID != "s1" {
		t.Fatalf("first: %+v %v", f1, err)
	}
	f2, err := ReadFrom(&buf, 0)
	if err != nil || f2.MessageID != "m9" || f2.Status != "read" {
		t.Fatalf("second: %+v %v", f2, err)
	}
}
