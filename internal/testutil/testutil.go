// Package testutil holds shared helpers for mailindex tests: temp-dir
// SQLite stores (store_helpers.go) and assertions (assert.go). Raw message
// construction lives in the email subpackage.
package testutil
