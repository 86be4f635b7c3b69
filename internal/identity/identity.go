// Package identity carries the current user's identity, consumed from the
// authentication subsystem. The engine only needs to know who "me" is.
package identity

// Identity identifies the signed-in user on this device.
type Identity struct {
	UserID      string
	DisplayName string
}
