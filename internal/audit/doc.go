package audit

// Package audit persists a durable trail of delivery outcomes.
//
// It currently supports:
//   - Append-only delivery records (one per terminal outcome)
//   - Recent-record queries for operational inspection
