// Package audit records every authentication attempt as an append-only
// log entry. Entries are never updated or deleted, and the asserted
// subject is stored only as a one-way hash so the log cannot leak
// identities.
//
// Sinks implement the Logger interface; a database logger, a JSON-lines
// file logger, a fan-out MultiLogger and a no-op logger are provided.
package audit
