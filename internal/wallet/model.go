package wallet

import "time"

// Wallet is a single-key Bitcoin wallet owned by one user. The encrypted
// private key is not part of this projection.
type Wallet struct {
	ID        string
	UserID    string
	Address   string
	Name      string
	Balance   int64
	CreatedAt time.Time
}
