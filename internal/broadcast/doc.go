// Package broadcast fans a single logical event operation out to every
// calendar account linked in a workspace.
//
// Each account moves through
//
//	PENDING -> TOKEN_RESOLVED -> REMOTE_CALL_ISSUED -> SUCCEEDED | FAILED
//
// independently of the others. A failure on one account is recorded in the
// Scoreboard and never stops the remaining accounts from being attempted,
// and successes are never rolled back. Only precondition failures (no
// linked accounts, unknown event, unauthorized workspace) are returned as
// errors.
//
// The registry write that follows a successful remote create is not atomic
// with it. If that write fails, the account is reported with reason
// "mapping" and the native event id is logged at ERROR so the orphan can be
// found.
package broadcast
