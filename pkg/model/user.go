package model

import "time"

// User is a VPN account checked by the user-auth callout. An empty ServerID
// grants access to every server.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:64" json:"username"`
	PasswordHash string    `json:"-"`
	ServerID     string    `gorm:"size:64;index" json:"serverId,omitempty"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"createdAt"`
}

// BandwidthUsage is one flushed accounting row.
type BandwidthUsage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ServerID   string    `gorm:"size:64;index:idx_usage_server_time" json:"serverId"`
	InstanceID string    `gorm:"size:64;index" json:"instanceId"`
	HostID     string    `gorm:"size:64" json:"hostId"`
	ClientID   string    `gorm:"size:128" json:"clientId,omitempty"`
	Received   uint64    `json:"received"`
	Sent       uint64    `json:"sent"`
	RecordedAt time.Time `gorm:"index:idx_usage_server_time" json:"recordedAt"`
}
