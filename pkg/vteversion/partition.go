// Package vteversion provides small, dependency-free helpers for deriving
// deterministic identifiers from a document's version history. Grounded on
// pkg/canonical/case.go's Case.PartitionKey() in the teacher repo, which
// derives a daily shard key for a case record the same way.
package vteversion

import "time"

// PartitionKey returns a deterministic storage partition string for doc at
// createdAt, of the form "<doc>/<yyyymmdd>" in UTC. It is used to shard the
// relational version store by day without needing a lookup: any caller that
// knows a version's CreatedAt can compute the same partition a write to
// that version landed in.
func PartitionKey(doc string, createdAt time.Time) string {
	return doc + "/" + createdAt.UTC().Format("20060102")
}
