// Package google wires the Google OAuth 2.0 endpoints used to link a
// calendar account: the consent URL, the authorization code exchange, the
// OpenID userinfo lookup that yields the stable account id, and token
// revocation.
package google
