// Package db embeds the checkout database schema.
package db

import _ "embed"

// Schema holds the idempotent DDL for users, catalog, orders and the outbox.
//
//go:embed migrations/001_schema.sql
var Schema string
