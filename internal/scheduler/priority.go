package scheduler

import (
	"fmt"
	"strings"
)

// Priority orders fetches. Higher values are more urgent.
type Priority int

const (
	Idle Priority = iota
	Lowest
	Low
	Medium
	Highest

	// NumPriorities is the number of distinct priority levels.
	NumPriorities = int(Highest) + 1

	MinimumPriority = Idle
	MaximumPriority = Highest
)

var priorityNames = [NumPriorities]string{
	Idle:    "idle",
	Lowest:  "lowest",
	Low:     "low",
	Medium:  "medium",
	Highest: "highest",
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= MinimumPriority && p <= MaximumPriority
}

// ParsePriority converts a case-insensitive level name into a Priority.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown priority %q", s)
}

// ClientID identifies one tab or view. The same (child, route) pair always
// maps to the same identity.
type ClientID struct {
	ChildID int32 `json:"child_id"`
	RouteID int32 `json:"route_id"`
}

// MakeClientID builds the identity for a renderer child and its route.
func MakeClientID(childID, routeID int32) ClientID {
	return ClientID{ChildID: childID, RouteID: routeID}
}

func (id ClientID) String() string {
	return fmt.Sprintf("%d:%d", id.ChildID, id.RouteID)
}
