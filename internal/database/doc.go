// Package database provides the PostgreSQL-backed object store. Each
// registered stream maps to one table; every committed mutation publishes
// a change event to the shared feed so the notifier can re-broadcast
// admin-side and bulk changes.
package database
