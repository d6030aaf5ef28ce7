package permit

import "fmt"

// Level is an access tier. Higher levels include all capabilities of lower
// ones.
type Level int

const (
	// None is the level of a subject with no tier grant. It satisfies no
	// requirement.
	None Level = iota
	// Helper is the lowest grantable tier.
	Helper
	// Mod is the tier for moderation commands.
	Mod
	// Admin is the tier for guild administration commands.
	Admin
	// Owner is the highest tier.
	Owner
)

// ParseLevel converts a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "helper":
		return Helper, nil
	case "mod":
		return Mod, nil
	case "admin":
		return Admin, nil
	case "owner":
		return Owner, nil
	default:
		return None, fmt.Errorf("no such level %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Helper:
		return "helper"
	case Mod:
		return "mod"
	case Admin:
		return "admin"
	case Owner:
		return "owner"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}
