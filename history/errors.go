package history

import "errors"

// Contract violations reported by the DocumentStore. They are returned
// wrapped with the offending ids; test with errors.Is.
var (
	ErrDuplicateEntry = errors.New("history entry already exists")
	ErrUnknownEntry   = errors.New("unknown history entry")
	ErrUnknownCall    = errors.New("unknown or already closed call")
	ErrDuplicateCall  = errors.New("call already started")
	ErrEntryClosed    = errors.New("history entry is closed")
	ErrEntryOpen      = errors.New("history entry is still open")
	ErrUnknownTree    = errors.New("unknown tree")
	ErrNothingToUndo  = errors.New("nothing to undo")
	ErrNothingToRedo  = errors.New("nothing to redo")
)
