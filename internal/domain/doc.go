// Package domain defines the core types shared by the dispatch worker:
// queue job payloads, the outbound message status machine, campaign
// humanization settings and dead-letter records.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
