package gateway

import (
	"encoding/json"
	"time"

	"pagepilot/internal/domain"
)

// ProtocolVersion is the frame version this server speaks.
const ProtocolVersion = 1

// Frame type tags.
const (
	TypeCommand  = "cmd"
	TypeResponse = "res"
	TypeChat     = "chat"
	TypeEvent    = "evt"
)

// Command is a client request. Args is optional.
type Command struct {
	V    int             `json:"v"`
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers exactly one Command.
type Response struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// ChatFrame carries one chat line or stream chunk.
type ChatFrame struct {
	V    int    `json:"v"`
	Type string `json:"type"`
	ID   string `json:"id"`
	Role string `json:"role"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// EventFrame carries a named server-side event.
type EventFrame struct {
	V    int    `json:"v"`
	Type string `json:"type"`
	Name string `json:"name"`
	Data any    `json:"data"`
	TS   int64  `json:"ts"`
}

// decodeCommand parses raw as a Command. Anything that is not a well-formed
// version 1 command is rejected.
func decodeCommand(raw []byte) (Command, bool) {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return Command{}, false
	}
	if c.V != ProtocolVersion || c.Type != TypeCommand || c.ID == "" || c.Name == "" {
		return Command{}, false
	}
	return c, true
}

func okResponse(id string, data any) Response {
	return Response{V: ProtocolVersion, Type: TypeResponse, ID: id, OK: true, Data: data}
}

func errResponse(id string, err error) Response {
	return Response{V: ProtocolVersion, Type: TypeResponse, ID: id, Error: err.Error(), Code: string(domain.ErrorCodeOf(err))}
}

func newChatFrame(id, role, text string) ChatFrame {
	return ChatFrame{V: ProtocolVersion, Type: TypeChat, ID: id, Role: role, Text: text, TS: nowMillis()}
}

func newEventFrame(name string, data any) EventFrame {
	return EventFrame{V: ProtocolVersion, Type: TypeEvent, Name: name, Data: data, TS: nowMillis()}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
