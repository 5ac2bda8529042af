package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AuthTypePassword = "password"
	AuthTypeKey      = "key"

	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"

	SourceManual    = "manual"
	SourceSSHConfig = "ssh_config"
	SourceImport    = "import"
)

type Connection struct {
	ID                  uuid.UUID                             `gorm:"type:uuid;primaryKey" json:"id"`
	Name                string                                `gorm:"not null;uniqueIndex" json:"name"`
	Host                string                                `gorm:"not null" json:"host"`
	Port                int                                   `gorm:"default:22" json:"port"`
	Username            string                                `gorm:"not null" json:"username"`
	AuthType            string                                `gorm:"not null;default:'password'" json:"auth_type"` // password or key
	EncryptedPassword   string                                `json:"-"`
	EncryptedPrivateKey string                                `gorm:"type:text" json:"-"`
	EncryptedPassphrase string                                `json:"-"`
	Options             datatypes.JSONType[ConnectionOptions] `json:"options"`
	Fingerprint         string                                `json:"fingerprint"`
	Status              string                                `gorm:"default:'disconnected'" json:"status"`
	LastConnectedAt     *time.Time                            `json:"last_connected_at"`
	LastTest            datatypes.JSONType[ConnectionTest]    `json:"last_test"`
	ImportedFrom        string                                `gorm:"default:'manual'" json:"imported_from"`
	CreatedAt           time.Time                             `json:"created_at"`
	UpdatedAt           time.Time                             `json:"updated_at"`
}

// ConnectionOptions mirrors the ssh_config keywords the dialer understands.
type ConnectionOptions struct {
	Compression           bool   `json:"compression,omitempty"`
	ConnectTimeout        int    `json:"connect_timeout,omitempty"` // seconds
	StrictHostKeyChecking string `json:"strict_host_key_checking,omitempty"`
	UserKnownHostsFile    string `json:"user_known_hosts_file,omitempty"`
	ProxyCommand          string `json:"proxy_command,omitempty"`
	ForwardAgent          bool   `json:"forward_agent,omitempty"`
}

type ConnectionTest struct {
	Success       bool       `json:"success"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Error         string     `json:"error,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	ServerVersion string     `json:"server_version,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	LatencyMs     int64      `json:"latency_ms,omitempty"`
}

func (c *Connection) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
