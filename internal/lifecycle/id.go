package lifecycle

import "github.com/google/uuid"

// newOpaqueID mints an opaque unique identifier for proposals and tokens.
func newOpaqueID() string {
	return uuid.NewString()
}

// NewProposalID mints an opaque proposal identifier for proposers.
func NewProposalID() string {
	return newOpaqueID()
}

// NewCorrelationID mints a request-scoped correlation identifier.
func NewCorrelationID() string {
	return newOpaqueID()
}
