package control

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeLaunch(t *testing.T) {
	raw := `{"v":0,"cmd":"INSTANCE_LAUNCH","id":"e5fcf300","ct":"sshtun","pub":"ssh-rsa AAA","mi":"m1"}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Command != CmdInstanceLaunch || msg.InstanceID != "e5fcf300" ||
		msg.ConnType != "sshtun" || msg.PublicKey != "ssh-rsa AAA" || msg.MessageID != "m1" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := Decode([]byte(`{"v":1,"cmd":"HUB_PING","mi":"m1"}`))
	if !errors.Is(err, ErrVersion) {
		t.Fatalf("expected ErrVersion, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"not json", "[]", `{"v":0}`} {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestEncodeCarriesVersion(t *testing.T) {
	data, err := Encode(Ack("m7", StatusReady))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var wire map[string]interface{}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if wire["v"] != float64(0) || wire["cmd"] != "ACK" || wire["mi"] != "m7" || wire["s"] != "READY" {
		t.Fatalf("wire = %v", wire)
	}
}

func TestEncodeNackOmitsStatus(t *testing.T) {
	data, err := Encode(Nack("m2"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), `"s"`) {
		t.Fatalf("nack must not carry a status: %s", data)
	}
}
