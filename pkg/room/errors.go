package room

import "errors"

// ErrDuplicateInterviewer is returned by AddClient when a room already
// has an interviewer; the caller (the manager) closes the connection.
var ErrDuplicateInterviewer = errors.New("room: interviewer already present")
