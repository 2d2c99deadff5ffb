package models

import "time"

// StoredFile is the metadata of a materialized ticket artifact.
type StoredFile struct {
	Name        string    `json:"name"`
	TicketID    string    `json:"ticket_id"`
	TaxpayerID  string    `json:"taxpayer_id"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// RemoteFile is what the provider announces for a finished job.
type RemoteFile struct {
	Name string
	Size int64
	Hash string
}
