package commands

import (
	"errors"
	"testing"
)

func TestParseCommand_Valid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want CommandType
	}{
		{"open default size", `{"type":"terminal.open"}`, CommandTerminalOpen},
		{"open with size", `{"type":"terminal.open","cols":120,"rows":40}`, CommandTerminalOpen},
		{"input", `{"type":"terminal.input","sessionId":"s1","data":"ls\r"}`, CommandTerminalInput},
		{"empty input", `{"type":"terminal.input","sessionId":"s1","data":""}`, CommandTerminalInput},
		{"resize", `{"type":"terminal.resize","sessionId":"s1","cols":80,"rows":24}`, CommandTerminalResize},
		{"attach", `{"type":"terminal.attach","sessionId":"s1","offset":10}`, CommandTerminalAttach},
		{"autocomplete", `{"type":"terminal.autocomplete","text":"gi"}`, CommandTerminalAutocomplete},
		{"preview start", `{"type":"preview.start","runCommand":"npm start"}`, CommandPreviewStart},
		{"preview stop", `{"type":"preview.stop"}`, CommandPreviewStop},
		{"subscribe", `{"type":"collab.subscribe","fileId":"a.go"}`, CommandCollabSubscribe},
		{"cursor", `{"type":"collab.cursor","fileId":"a.go","position":{"line":1,"column":2}}`, CommandCollabCursor},
		{"edit range", `{"type":"collab.edit","fileId":"a.go","baseVersion":0,"changes":[{"from":{"line":0,"column":0},"to":{"line":0,"column":0},"text":"x"}]}`, CommandCollabEdit},
		{"edit diff", `{"type":"collab.edit","fileId":"a.go","baseVersion":3,"changes":[{"diff":"@@ -1 +1 @@\n-a\n+b\n"}]}`, CommandCollabEdit},
		{"env status", `{"type":"env.status","requestId":"r1"}`, CommandEnvStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.data))
			if err != nil {
				t.Fatalf("ParseCommand() error = %v", err)
			}
			if cmd.Type != tt.want {
				t.Errorf("Type = %q, want %q", cmd.Type, tt.want)
			}
			if cmd.Payload == nil {
				t.Error("Payload should be set")
			}
		})
	}
}

func TestParseCommand_TypedPayload(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"collab.edit","requestId":"r7","fileId":"f","baseVersion":5,"changes":[{"diff":"x"}]}`))
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if cmd.RequestID != "r7" {
		t.Errorf("RequestID = %q, want r7", cmd.RequestID)
	}
	p, ok := cmd.Payload.(*CollabEditPayload)
	if !ok {
		t.Fatalf("Payload type = %T", cmd.Payload)
	}
	if *p.BaseVersion != 5 {
		t.Errorf("BaseVersion = %d, want 5", *p.BaseVersion)
	}
	if !p.Changes[0].IsDiff() {
		t.Error("change should be a diff")
	}
}

func TestParseCommand_Unknown(t *testing.T) {
	_, err := ParseCommand([]byte(`{"type":"terminal.explode","requestId":"r1"}`))

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
	if !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("error should wrap ErrUnknownMessage")
	}
	if perr.Code() != ErrCodeUnknownMessage {
		t.Errorf("Code() = %q", perr.Code())
	}
	if perr.RequestID != "r1" || perr.Type != "terminal.explode" {
		t.Errorf("request context lost: %+v", perr)
	}
}

func TestParseCommand_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"sessionId":"s1"}`},
		{"input without session", `{"type":"terminal.input","data":"x"}`},
		{"input without data", `{"type":"terminal.input","sessionId":"s1"}`},
		{"resize zero", `{"type":"terminal.resize","sessionId":"s1","cols":0,"rows":0}`},
		{"resize too big", `{"type":"terminal.resize","sessionId":"s1","cols":5000,"rows":10}`},
		{"wrong field type", `{"type":"terminal.resize","sessionId":"s1","cols":"wide","rows":10}`},
		{"subscribe without file", `{"type":"collab.subscribe"}`},
		{"cursor without position", `{"type":"collab.cursor","fileId":"f"}`},
		{"edit without base version", `{"type":"collab.edit","fileId":"f","changes":[{"diff":"x"}]}`},
		{"edit without changes", `{"type":"collab.edit","fileId":"f","baseVersion":1,"changes":[]}`},
		{"edit half range", `{"type":"collab.edit","fileId":"f","baseVersion":1,"changes":[{"from":{"line":0,"column":0},"text":"x"}]}`},
		{"edit diff and range", `{"type":"collab.edit","fileId":"f","baseVersion":1,"changes":[{"diff":"x","from":{"line":0,"column":0},"to":{"line":0,"column":0}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand([]byte(tt.data))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("error = %v, want ErrMalformedMessage", err)
			}
			var perr *ProtocolError
			if errors.As(err, &perr) && perr.Code() != ErrCodeMalformedMessage {
				t.Errorf("Code() = %q", perr.Code())
			}
		})
	}
}

func TestTypes_Closed(t *testing.T) {
	if got := len(Types()); got != 14 {
		t.Errorf("len(Types()) = %d, want 14", got)
	}
}
