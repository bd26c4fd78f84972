package store

import _ "embed"

// initSQL creates the four relations if they do not already exist.
// Embedding it keeps the DDL versioned alongside the code that depends
// on it.
//
//go:embed schema/init.sql
var initSQL string

// resetSQL wipes all indexed data while leaving the schema in place.
//
//go:embed schema/reset.sql
var resetSQL string
