// Package logging provides structured logging utilities for calfanout.
//
// All packages log through log/slog. This package keeps attribute names
// consistent (workspace, account, event_uid, reason) and provides helpers
// that keep personal data and credentials out of log output.
//
// # Usage Patterns
//
//	logger := logging.WithWorkspace(slog.Default(), scope.ID)
//	logger.Warn("account failed",
//	    logging.Account(accountID),
//	    logging.Reason("credential"))
//
// Sanitize sensitive data before logging:
//
//	logger.Info("account linked", logging.UserHash(email))
//
// Tokens are never logged directly; use SanitizeToken.
package logging
