package wire

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	in, err := Parse([]byte(`{"type":"bind","appid":"app","side":"s1","id":"req-4"}`))
	if err != nil {
		t.Fatal(err)
	}
	if in.Type != "bind" {
		t.Errorf("type = %q", in.Type)
	}
	if v, ok := in.Str("appid"); !ok || v != "app" {
		t.Errorf("appid = %q, %v", v, ok)
	}
	if in.ID != "req-4" {
		t.Errorf("id = %v", in.ID)
	}
	if !in.Has("side") {
		t.Error("side should be present")
	}
	if in.Has("mailbox") {
		t.Error("mailbox should be absent")
	}
}

func TestParseMissingType(t *testing.T) {
	in, err := Parse([]byte(`{"other":"misc"}`))
	if err != nil {
		t.Fatal(err)
	}
	if in.Type != "" {
		t.Errorf("type should be empty, got %q", in.Type)
	}
	//The original frame survives for the error echo
	if v, ok := in.Str("other"); !ok || v != "misc" {
		t.Errorf("orig field lost: %q, %v", v, ok)
	}
}

func TestParseNonStringType(t *testing.T) {
	in, err := Parse([]byte(`{"type":4}`))
	if err != nil {
		t.Fatal(err)
	}
	if in.Type != "" {
		t.Errorf("numeric type should read as missing, got %q", in.Type)
	}
}

func TestAckKeepsNullID(t *testing.T) {
	ack := NewAck(nil)
	ack.Stamp(12)

	raw, err := json.Marshal(ack)
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["id"]; !ok {
		t.Error("ack must always carry an id key")
	}
	if m["server_tx"] != float64(12) {
		t.Errorf("server_tx = %v", m["server_tx"])
	}
}

func TestErrorEchoesOrig(t *testing.T) {
	in, _ := Parse([]byte(`{"type":"claim","junk":true}`))
	e := NewError("claim requires 'nameplate'", in.Orig())

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	orig, ok := m["orig"].(map[string]interface{})
	if !ok {
		t.Fatal("orig missing")
	}
	if orig["type"] != "claim" || orig["junk"] != true {
		t.Errorf("orig not echoed verbatim: %v", orig)
	}
}
