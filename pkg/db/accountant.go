package db

import (
	"context"

	"gorm.io/gorm"

	"ovpn-node/pkg/model"
	"ovpn-node/pkg/telemetry"
)

// Accountant stores flushed bandwidth usage as rows.
type Accountant struct {
	DB     *gorm.DB
	HostID string
}

func (a *Accountant) RecordUsage(ctx context.Context, usage []telemetry.Usage) error {
	if len(usage) == 0 {
		return nil
	}
	rows := make([]model.BandwidthUsage, 0, len(usage))
	for _, u := range usage {
		rows = append(rows, model.BandwidthUsage{
			ServerID:   u.ServerID,
			InstanceID: u.InstanceID,
			HostID:     a.HostID,
			ClientID:   u.ClientID,
			Received:   u.Received,
			Sent:       u.Sent,
			RecordedAt: u.At,
		})
	}
	return a.DB.WithContext(ctx).Create(&rows).Error
}

// Totals sums recorded usage of serverID.
func (a *Accountant) Totals(ctx context.Context, serverID string) (received, sent uint64, err error) {
	var out struct {
		Received uint64
		Sent     uint64
	}
	err = a.DB.WithContext(ctx).Model(&model.BandwidthUsage{}).
		Select("COALESCE(SUM(received),0) AS received, COALESCE(SUM(sent),0) AS sent").
		Where("server_id = ?", serverID).
		Scan(&out).Error
	return out.Received, out.Sent, err
}
