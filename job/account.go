package job

import (
	"github.com/postflux/uplink"
	"github.com/postflux/uplink/id"
)

// Account is the destination a job publishes to. Uplink only reads
// accounts; connect flows and credential refresh live in the
// surrounding product.
type Account struct {
	uplink.Entity

	ID          id.AccountID `json:"id"`
	OwnerID     id.UserID    `json:"owner_id"`
	Provider    string       `json:"provider"`
	Handle      string       `json:"handle"`
	AccessToken string       `json:"-"`
}
