// Package storage provides the project store used by timelapsed.
//
// Drivers:
//   - "file": one JSON document per project (<path>/projects/<id>.json)
//   - "sqlite": a single SQLite database file
//
// Both drivers only offer single-record reads and writes; callers that need
// read-modify-write consistency serialize on their side (see project.Service).
package storage
