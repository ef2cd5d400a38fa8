package instrumentation

import "strings"

// ExtractUserDomain extracts the domain part from an email address.
// Use it instead of full addresses wherever an identifier ends up in a
// metric label.
//
// Example:
//
//	ExtractUserDomain("jane@example.com")  // "example.com"
//	ExtractUserDomain("invalid")           // "unknown"
func ExtractUserDomain(email string) string {
	if email == "" {
		return "unknown"
	}

	parts := strings.Split(email, "@")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}

	return "unknown"
}

// Operation types used as metric and span labels.
const (
	OperationCreate   = "create"
	OperationUpdate   = "update"
	OperationDelete   = "delete"
	OperationExchange = "exchange"
	OperationUserInfo = "userinfo"
	OperationRevoke   = "revoke"
)
