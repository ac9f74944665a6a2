package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Device status values
const (
	DeviceStatusNew         = "new"
	DeviceStatusOnline      = "online"
	DeviceStatusUnreachable = "unreachable"
)

// DeviceIdentity names one physical device inside an organization.
// The key doubles as the External Queue key and the session shard key.
type DeviceIdentity struct {
	OrgID     string `json:"org_id"`
	DeviceKey string `json:"device_key"`
}

// NewDeviceIdentity derives the device key from the vendor OUI and serial number.
func NewDeviceIdentity(orgID, oui, serialNumber string) DeviceIdentity {
	return DeviceIdentity{
		OrgID:     orgID,
		DeviceKey: fmt.Sprintf("%s-%s-%s", orgID, oui, serialNumber),
	}
}

// Valid reports whether the identity can be used as a routing key.
// The cookie uses '~' as separator, so the key must not contain it.
func (id DeviceIdentity) Valid() bool {
	if id.OrgID == "" || id.DeviceKey == "" {
		return false
	}
	if strings.ContainsAny(id.DeviceKey, "~ \t\r\n") {
		return false
	}
	// org-OUI-serial: all three parts present
	parts := strings.SplitN(strings.TrimPrefix(id.DeviceKey, id.OrgID+"-"), "-", 2)
	return strings.HasPrefix(id.DeviceKey, id.OrgID+"-") && len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

func (id DeviceIdentity) String() string { return id.DeviceKey }

// Device represents the devices table
type Device struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	OrgID           string `gorm:"not null;index" json:"org_id" binding:"required"`
	DeviceKey       string `gorm:"not null;uniqueIndex" json:"device_key"`
	Manufacturer    string `json:"manufacturer"`
	OUI             string `gorm:"column:oui;not null" json:"oui" binding:"required"`
	ProductClass    string `json:"product_class"`
	SerialNumber    string `gorm:"not null" json:"serial_number" binding:"required"`
	SoftwareVersion string `json:"software_version"`

	// Connection request endpoint
	ConnReqURL      string `json:"conn_req_url" binding:"omitempty,url"`
	ConnReqUsername string `json:"conn_req_username"`
	ConnReqPassword string `json:"conn_req_password,omitempty" gocrypt:"aes"` // Encrypted at rest
	ConnReqProxy    string `json:"conn_req_proxy" binding:"omitempty,url"`

	PeriodicInformEnabled         bool              `gorm:"default:false" json:"periodic_inform_enabled"`
	PeriodicInformIntervalSeconds int               `gorm:"default:0" json:"periodic_inform_interval_seconds" binding:"min=0"`
	LastInformAt                  *time.Time        `json:"last_inform_at,omitempty"`
	Status                        string            `gorm:"default:'new'" json:"status" binding:"omitempty,oneof=new online unreachable"`
	Parameters                    datatypes.JSONMap `gorm:"type:jsonb" json:"parameters,omitempty"`
	CreatedAt                     time.Time         `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt                     time.Time         `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// Identity returns the routing identity of the device, deriving the key when unset.
func (d *Device) Identity() DeviceIdentity {
	if d.DeviceKey != "" {
		return DeviceIdentity{OrgID: d.OrgID, DeviceKey: d.DeviceKey}
	}
	return NewDeviceIdentity(d.OrgID, d.OUI, d.SerialNumber)
}

// MissedInforms returns how many scheduled periodic informs the device has
// missed since its last check-in. Zero when periodic inform is off.
func (d *Device) MissedInforms(now time.Time) int {
	if d == nil || !d.PeriodicInformEnabled || d.PeriodicInformIntervalSeconds <= 0 || d.LastInformAt == nil {
		return 0
	}
	elapsed := now.Sub(*d.LastInformAt)
	return int(elapsed / (time.Duration(d.PeriodicInformIntervalSeconds) * time.Second))
}

// InformRecord is what a device reported about itself in an Inform.
type InformRecord struct {
	Identity        DeviceIdentity
	Manufacturer    string
	OUI             string
	ProductClass    string
	SerialNumber    string
	SoftwareVersion string
	ConnReqURL      string

	// Nil when the Inform did not carry the parameter.
	PeriodicInformEnabled         *bool
	PeriodicInformIntervalSeconds *int

	Parameters map[string]string
	At         time.Time
}

// TableName overrides the default table name logic
func (Device) TableName() string { return "devices" }

// GetID satisfies the Identifiable interface
func (d Device) GetID() int64 { return d.ID }
