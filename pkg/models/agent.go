package models

import (
	"fmt"
	"net"
	"time"
)

// Agent is a network-booted machine that runs tasks. LastSeen is refreshed by
// registration, push keep-alives and task polls.
type Agent struct {
	MAC       string    `db:"mac"        json:"mac"`
	Hostname  *string   `db:"hostname"   json:"hostname,omitempty"`
	IPAddress *string   `db:"ip_address" json:"ip_address,omitempty"`
	Version   *string   `db:"version"    json:"version,omitempty"`
	LastSeen  time.Time `db:"last_seen"  json:"last_seen"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// NormalizeMAC parses a hardware address in any form net.ParseMAC accepts and
// returns it lower-case and colon separated, e.g. "52:54:00:12:34:56".
func NormalizeMAC(s string) (string, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", fmt.Errorf("invalid MAC address %q", s)
	}
	return hw.String(), nil
}
