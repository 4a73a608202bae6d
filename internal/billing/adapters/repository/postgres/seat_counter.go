package postgres

import (
	"context"
	"fmt"

	"github.com/linkflow-ai/subledger/internal/platform/database"
)

// SeatCounter counts seat holders in the workspace service's member table
type SeatCounter struct {
	db *database.DB
}

// NewSeatCounter creates a new seat counter
func NewSeatCounter(db *database.DB) *SeatCounter {
	return &SeatCounter{db: db}
}

// CountActiveSeatHolders counts the members of a workspace. Removed members
// are deleted from the table, so every row holds a seat.
func (c *SeatCounter) CountActiveSeatHolders(ctx context.Context, workspaceID string) (int, error) {
	query := `SELECT COUNT(*) FROM workspace_members WHERE workspace_id = $1`

	var count int
	if err := c.db.QueryRowContext(ctx, query, workspaceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count seat holders: %w", err)
	}
	return count, nil
}
