// Package types defines the identifiers and entity records shared across the
// Foreman engine: jobs, workspaces, workers, queue items, crons, decisions,
// crews and agents.
//
// Every entity is addressed by a typed, fixed-size identifier with a
// 4-character textual prefix (job-, agt-, crw-, wks-, dec-) followed by a
// 19-character unique suffix. OwnerID is a tagged union of job and crew ids
// and serializes as the owner's concrete form, so ownership links are plain
// id references rather than interior pointers.
package types
