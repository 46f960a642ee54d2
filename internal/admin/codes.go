package admin

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is the wire value of an admin command.
type Code int32

const (
	RestartServer Code = iota
	RestartCharacterManager
	RestartConnectionManager
	RestartCycleProcessManager
	RestartNPCManager
	BanUser
	IPBanUser
	MuteUser
	IPMuteUser
	PromoteUserAdmin
	PromoteUserMod
	PromoteUserPlayer
)

var codeNames = [...]string{
	RestartServer:              "RESTART_SERVER",
	RestartCharacterManager:    "RESTART_CHARACTER_MANAGER",
	RestartConnectionManager:   "RESTART_CONNECTION_MANAGER",
	RestartCycleProcessManager: "RESTART_CYCLE_PROCESS_MANAGER",
	RestartNPCManager:          "RESTART_NPC_MANAGER",
	BanUser:                    "BAN_USER",
	IPBanUser:                  "IP_BAN_USER",
	MuteUser:                   "MUTE_USER",
	IPMuteUser:                 "IP_MUTE_USER",
	PromoteUserAdmin:           "PROMOTE_USER_ADMIN",
	PromoteUserMod:             "PROMOTE_USER_MOD",
	PromoteUserPlayer:          "PROMOTE_USER_PLAYER",
}

// Codes lists every known code in wire order.
func Codes() []Code {
	out := make([]Code, len(codeNames))
	for i := range codeNames {
		out[i] = Code(i)
	}
	return out
}

func (c Code) Known() bool { return c >= 0 && int(c) < len(codeNames) }

func (c Code) String() string {
	if c.Known() {
		return codeNames[c]
	}
	return fmt.Sprintf("ADMIN_CODE_%d", int32(c))
}

// Command is one decoded admin command. Target is a user id; DurationDays
// only applies to moderation codes.
type Command struct {
	Code         Code  `json:"command"`
	Target       int64 `json:"target"`
	DurationDays int   `json:"duration"`
}

// ParseCommand reads the console form "<code> [target] [days]" where code is
// either the wire number or its name (case-insensitive).
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields) > 3 {
		return Command{}, fmt.Errorf("usage: <code> [target] [days]")
	}
	var cmd Command
	if n, err := strconv.Atoi(fields[0]); err == nil {
		cmd.Code = Code(n)
	} else {
		name := strings.ToUpper(fields[0])
		found := false
		for i, cn := range codeNames {
			if cn == name {
				cmd.Code, found = Code(i), true
				break
			}
		}
		if !found {
			return Command{}, fmt.Errorf("unknown admin command %q", fields[0])
		}
	}
	if len(fields) > 1 {
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("target: %w", err)
		}
		cmd.Target = v
	}
	if len(fields) > 2 {
		v, err := strconv.Atoi(fields[2])
		if err != nil {
			return Command{}, fmt.Errorf("days: %w", err)
		}
		cmd.DurationDays = v
	}
	return cmd, nil
}
