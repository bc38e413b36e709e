// Package runbook defines the parsed runbook structures the engine consumes
// and a TOML loader with content-hash caching. The engine treats parsing as
// a collaborator: everything downstream works from these values and the
// hash, never the file.
package runbook
