package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRoundTripEveryBody(t *testing.T) {
	cmds := []Command{
		{Channel: 3, Body: Input{Data: "ls -la\r"}},
		{Channel: 3, Body: Output{Data: "hello  world"}},
		{Channel: 3, Body: Output{Data: ""}},
		{Channel: 3, Body: ResizeTerm{Cols: 120, Rows: 40}},
		{Channel: 3, Body: State{State: Running}},
		{Channel: 3, Body: State{State: Stopped}},
		{Body: PortOpen{Forwarded: true, Port: 8080, Address: "0.0.0.0"}},
		{Channel: 3, Body: RunMain{}},
		{Ref: "ref-1", Body: OpenChan{Service: "shellrun2", Name: "shellrunner", Action: AttachOrCreate}},
		{Ref: "ref-1", Body: OpenChanRes{ID: 7, State: OpenAttached}},
		{Ref: "ref-2", Body: OpenChanRes{State: OpenError, Error: "no such service"}},
		{Ref: "ref-3", Body: CloseChan{ID: 7, Action: CloseTryClose}},
		{Ref: "ref-3", Body: CloseChanRes{ID: 7, Status: CloseClosed}},
		{Body: Ping{}},
		{Body: Pong{}},
		{Channel: 2, Body: Error{Message: "boom"}},
	}

	for _, want := range cmds {
		data, err := Marshal(want)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", Kind(want.Body), err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal(%s): %v", Kind(want.Body), err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", Kind(want.Body), diff)
		}
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future field")
	b = protowire.AppendTag(b, fieldOutput, protowire.BytesType)
	b = protowire.AppendString(b, "ok")

	cmd, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out, ok := cmd.Body.(Output); !ok || out.Data != "ok" {
		t.Errorf("body = %#v, want Output{ok}", cmd.Body)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	valid, err := Marshal(Command{Channel: 1, Body: Output{Data: "abcdef"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	wrongType := protowire.AppendTag(nil, fieldOutput, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 5)

	noBody := protowire.AppendTag(nil, fieldChannel, protowire.VarintType)
	noBody = protowire.AppendVarint(noBody, 4)

	wideChannel := protowire.AppendTag(nil, fieldChannel, protowire.VarintType)
	wideChannel = protowire.AppendVarint(wideChannel, 1<<40|3)
	wideChannel = protowire.AppendTag(wideChannel, fieldOutput, protowire.BytesType)
	wideChannel = protowire.AppendString(wideChannel, "x")

	var port []byte
	port = protowire.AppendTag(port, 2, protowire.VarintType)
	port = protowire.AppendVarint(port, 1<<33)
	widePort := protowire.AppendTag(nil, fieldPortOpen, protowire.BytesType)
	widePort = protowire.AppendBytes(widePort, port)

	cases := map[string][]byte{
		"truncated":     valid[:len(valid)-2],
		"wrong type":    wrongType,
		"no body":       noBody,
		"empty":         nil,
		"channel range": wideChannel,
		"port range":    widePort,
	}
	for name, data := range cases {
		if _, err := Unmarshal(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", name, err)
		}
	}
}

func TestMarshalRequiresBody(t *testing.T) {
	if _, err := Marshal(Command{Channel: 1}); err == nil {
		t.Fatal("expected error for command without body")
	}
}

func TestRunStateString(t *testing.T) {
	if Running.String() != "running" || Stopped.String() != "stopped" {
		t.Errorf("unexpected names: %s %s", Running, Stopped)
	}
	if RunState(9).String() != "RunState(9)" {
		t.Errorf("unknown state = %s", RunState(9))
	}
}
