package catalog

import "errors"

// ErrRelationNotFound is returned when a named target does not exist
// in the catalog (spec §7's RelationNotFound).
var ErrRelationNotFound = errors.New("relation not found")
