package stubs

import "palaver/internal/models"

// Users is the development roster seeded by the -seed-users flag.
var Users = []models.User{
	{ID: "u1", DisplayName: "Alice"},
	{ID: "u2", DisplayName: "Bob"},
	{ID: "u3", DisplayName: "Charlie"},
	{ID: "u4", DisplayName: "David"},
}
