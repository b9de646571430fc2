package history

import "github.com/google/uuid"

// ContainerTreeID is the tree id recorded on entries the container itself
// starts, such as undo and redo replays.
const ContainerTreeID = "container"

// NewID returns a new collision-resistant id for entries and calls.
func NewID() string {
	return uuid.NewString()
}
