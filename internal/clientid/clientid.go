// Package clientid produces client message IDs: the idempotency key a
// message carries across both transports and any retries. A retry of the
// same logical message reuses the same ID; a new logical message never does.
package clientid

import "github.com/google/uuid"

// Generator issues globally unique client message IDs. Safe for
// concurrent use; calls need no coordination.
type Generator struct{}

// NewGenerator creates a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns a new client message ID.
func (Generator) Generate() string {
	return uuid.NewString()
}
