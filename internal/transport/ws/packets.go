package ws

import (
	json "github.com/goccy/go-json"
)

// Packet types.
const (
	TypeLogin        = "login"
	TypeLoginOK      = "login_ok"
	TypeLogout       = "logout"
	TypeAdminCommand = "admin_command"
	TypeChat         = "chat"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Error packet codes. PermissionError matches admin.PermissionError.
const (
	PermissionError = 1
	LoginError      = 2
	BannedError     = 3
	MutedError      = 4
	RateLimitError  = 5
	PacketError     = 6
)

// inbound is every client packet. Fields not used by Type are ignored.
type inbound struct {
	Type     string `json:"type"`
	Command  *int32 `json:"command,omitempty"`
	Target   int64  `json:"target,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text,omitempty"`
}

type errorPacket struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type loginOKPacket struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Rights string `json:"rights"`
}

type chatPacket struct {
	Type string `json:"type"`
	From string `json:"from"`
	Text string `json:"text"`
}

type pongPacket struct {
	Type string `json:"type"`
	Tick uint64 `json:"tick"`
}

func decode(b []byte) (inbound, error) {
	var p inbound
	err := json.Unmarshal(b, &p)
	return p, err
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only static packet structs are encoded here.
		panic(err)
	}
	return b
}
