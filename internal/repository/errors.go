package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicateName indicates a project name collision.
var ErrDuplicateName = errors.New("repository: duplicate project name")
