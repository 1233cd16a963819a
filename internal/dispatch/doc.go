// Package dispatch routes "!" commands and the "às HH:MM faça ..." scheduling
// phrase to handlers.
//
// Every request runs through the same middleware chain (panic recovery,
// request log, timeout). Roles are resolved lazily: target checks and owner
// protection run before any lookup against the messaging client.
package dispatch
