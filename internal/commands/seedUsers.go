package commands

import (
	"fmt"

	"palaver/internal/storage"
	"palaver/internal/stubs"
)

// SeedUsers writes the development roster into the store. Existing entries
// with matching IDs are overwritten.
func SeedUsers(store *storage.BboltStorage) error {
	for _, user := range stubs.Users {
		if err := store.UpsertUser(user); err != nil {
			return fmt.Errorf("seeding user %s: %w", user.ID, err)
		}
		fmt.Printf("Seeded user %s (%s)\n", user.ID, user.DisplayName)
	}
	return nil
}
