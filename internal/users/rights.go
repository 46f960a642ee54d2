package users

import (
	"fmt"
	"strings"
)

// Rights is a user's privilege tier.
type Rights int

const (
	RightsPlayer Rights = iota
	RightsMod
	RightsAdmin
)

func (r Rights) String() string {
	switch r {
	case RightsPlayer:
		return "player"
	case RightsMod:
		return "mod"
	case RightsAdmin:
		return "admin"
	default:
		return fmt.Sprintf("rights(%d)", int(r))
	}
}

func (r Rights) Valid() bool { return r >= RightsPlayer && r <= RightsAdmin }

// ParseRights accepts the String form, case-insensitively.
func ParseRights(s string) (Rights, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "player", "":
		return RightsPlayer, nil
	case "mod", "moderator":
		return RightsMod, nil
	case "admin":
		return RightsAdmin, nil
	default:
		return RightsPlayer, fmt.Errorf("unknown rights %q", s)
	}
}
