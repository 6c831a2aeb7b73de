// Package engine connects bot requests to the supervisor. It resolves a bot
// for each meeting via the registry, runs every join attempt under the retry
// executor, and records run history and events in the store as they happen.
package engine
