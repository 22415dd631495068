package models

import "time"

// TokenStatus is the validity state of a redemption token.
type TokenStatus string

const (
	TokenValid    TokenStatus = "valid"
	TokenConsumed TokenStatus = "consumed"
	TokenInvalid  TokenStatus = "invalid"
)

// RedemptionToken is a single-use external code (a "money box serial").
// It transitions valid -> consumed exactly once, atomically with the
// transaction that references it.
type RedemptionToken struct {
	Serial        string
	Status        TokenStatus
	ImportedAt    time.Time
	ConsumedBy    string // transaction id, empty until consumed
	ConsumedAt    time.Time
}
