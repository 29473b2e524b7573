package tokens

import "time"

// Connection statuses.
const (
	StatusActive   = "active"
	StatusRevoked  = "revoked"
	StatusInactive = "inactive"
)

// TenantConnection stores the encrypted OAuth credentials for one accounting organisation.
type TenantConnection struct {
	TenantID              string     `gorm:"column:tenant_id;primaryKey;size:64;not null"`
	TenantName            string     `gorm:"column:tenant_name;size:255"`
	GrantID               string     `gorm:"column:grant_id;size:64;index"`
	EncryptedAccessToken  string     `gorm:"column:encrypted_access_token;type:text"`
	EncryptedRefreshToken string     `gorm:"column:encrypted_refresh_token;type:text"`
	TokenExpiry           time.Time  `gorm:"column:token_expiry"`
	Scopes                string     `gorm:"column:scopes;size:1024"`
	Status                string     `gorm:"column:status;size:16;not null;index"`
	ConnectedBy           string     `gorm:"column:connected_by;size:190"`
	LastSyncAt            *time.Time `gorm:"column:last_sync_at"`
	LastRefreshAt         *time.Time `gorm:"column:last_refresh_at"`
	CreatedAt             time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing tenant connections.
func (TenantConnection) TableName() string {
	return "tenant_connections"
}

// grantKey identifies the credential a connection uses. Tenants authorized by one consent share a
// grant and therefore a refresh token.
func (c TenantConnection) grantKey() string {
	if c.GrantID != "" {
		return c.GrantID
	}
	return c.TenantID
}

// TokenSet is the plaintext credential material obtained from an authorization or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
	TenantName   string
	ConnectedBy  string
	// GrantID groups tenants authorized by the same consent. Empty means the tenant has its own
	// grant.
	GrantID string
}

// AccessToken is a bearer token valid for at least the configured safety margin.
type AccessToken struct {
	TenantID  string
	Value     string
	ExpiresAt time.Time
}
