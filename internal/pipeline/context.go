// Package pipeline implements the transaction-to-chain pipeline: raw broker
// transactions in, lots, closings, chains and position groups out.
package pipeline

import "gorm.io/gorm"

// Context carries the current tenant and the DB handle through every
// pipeline call. No implicit thread-local state.
type Context struct {
	UserID string
	DB     *gorm.DB
}

// WithTx returns a copy of the context bound to a transaction handle.
func (c *Context) WithTx(tx *gorm.DB) *Context {
	return &Context{UserID: c.UserID, DB: tx}
}
