package chat

import (
	"fmt"
	"strings"
)

const directIDPrefix = "dm_"

// DeriveDirectID returns the canonical conversation id for a direct
// conversation between two users: "dm_" plus both ids in lexical order.
// The ordering contract is stable, so independent processes derive the same
// id without coordination and concurrent first-messages between the same
// pair converge on one conversation.
func DeriveDirectID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s%s_%s", directIDPrefix, a, b)
}

// ParseDirectID extracts the two participants from a derived direct
// conversation id. It reports false for anything that is not a well-formed
// direct id.
func ParseDirectID(id string) ([]string, bool) {
	rest, ok := strings.CutPrefix(id, directIDPrefix)
	if !ok {
		return nil, false
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, false
	}
	return parts, true
}
