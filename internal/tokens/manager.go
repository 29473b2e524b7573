// Package tokens persists OAuth credentials per tenant and hands out access tokens that remain
// valid for the duration of a call, refreshing at most once per tenant at a time.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultRefreshMargin  = 60 * time.Second
	defaultRefreshTimeout = 30 * time.Second
	// defaultTokenLifetime applies when the token endpoint omits expires_in.
	defaultTokenLifetime = 30 * time.Minute

	opGetValidToken = "tokens.get_valid_token"
	opRefresh       = "tokens.refresh"
	opSaveToken     = "tokens.save_token"
	opRevoke        = "tokens.revoke"

	fieldTenantID = "tenant_id"
)

var (
	errMissingDatabase = errors.New("tokens: database handle is required")
	errMissingOAuth    = errors.New("tokens: oauth2 configuration is required")
	errMissingCipher   = errors.New("tokens: cipher is required")
	// ErrInvalidTenant indicates an empty tenant identifier.
	ErrInvalidTenant = errors.New("tokens: tenant id is required")
)

// ManagerConfig describes the dependencies of the token manager.
type ManagerConfig struct {
	Database      *gorm.DB
	OAuth         *oauth2.Config
	Cipher        *Cipher
	RevokeURL     string
	HTTPClient    *http.Client
	RefreshMargin time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// issuedToken is the outcome of one grant refresh, shared by every tenant of the grant.
type issuedToken struct {
	value  string
	expiry time.Time
}

// Manager owns the credential lifecycle of every tenant connection.
type Manager struct {
	db            *gorm.DB
	oauth         *oauth2.Config
	cipher        *Cipher
	revokeURL     string
	httpClient    *http.Client
	refreshMargin time.Duration
	now           func() time.Time
	logger        *zap.Logger
	refreshes     singleflight.Group
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.OAuth == nil {
		return nil, errMissingOAuth
	}
	if cfg.Cipher == nil {
		return nil, errMissingCipher
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRefreshTimeout}
	}
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = defaultRefreshMargin
	}
	return &Manager{
		db:            cfg.Database,
		oauth:         cfg.OAuth,
		cipher:        cfg.Cipher,
		revokeURL:     strings.TrimSpace(cfg.RevokeURL),
		httpClient:    httpClient,
		refreshMargin: margin,
		now:           clock,
		logger:        logger,
	}, nil
}

// GetValidToken returns an access token that stays valid for at least the refresh margin.
// Concurrent callers for tenants of the same grant share a single refresh.
func (m *Manager) GetValidToken(ctx context.Context, tenantID string) (AccessToken, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return AccessToken{}, syncerr.NewAuth(syncerr.CodeNoConnection, "tenant id is required", ErrInvalidTenant)
	}

	connection, err := m.loadUsable(ctx, tenantID)
	if err != nil {
		return AccessToken{}, err
	}
	if m.fresh(connection) {
		return m.decryptAccess(connection)
	}

	grantID := connection.grantKey()
	// The flight is detached from the caller so a rotated refresh token is always persisted.
	flight := m.refreshes.DoChan(grantID, func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx), tenantID, grantID)
	})
	select {
	case <-ctx.Done():
		return AccessToken{}, ctx.Err()
	case result := <-flight:
		if result.Err != nil {
			return AccessToken{}, result.Err
		}
		issued := result.Val.(issuedToken)
		return AccessToken{TenantID: tenantID, Value: issued.value, ExpiresAt: issued.expiry}, nil
	}
}

// SaveToken encrypts and stores the token set, reactivating the connection.
func (m *Manager) SaveToken(ctx context.Context, tenantID string, tokenSet TokenSet) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidTenant
	}
	if tokenSet.AccessToken == "" || tokenSet.RefreshToken == "" {
		return syncerr.NewValidation(syncerr.CodeInvalidPayload, "access and refresh tokens are required", nil)
	}

	encryptedAccess, err := m.cipher.Encrypt(tenantID, tokenSet.AccessToken)
	if err != nil {
		m.logError(opSaveToken, "encrypt_failed", err, zap.String(fieldTenantID, tenantID))
		return err
	}
	encryptedRefresh, err := m.cipher.Encrypt(tenantID, tokenSet.RefreshToken)
	if err != nil {
		m.logError(opSaveToken, "encrypt_failed", err, zap.String(fieldTenantID, tenantID))
		return err
	}

	now := m.now().UTC()
	grantID := strings.TrimSpace(tokenSet.GrantID)
	if grantID == "" {
		grantID = tenantID
	}
	connection := TenantConnection{
		TenantID:              tenantID,
		TenantName:            strings.TrimSpace(tokenSet.TenantName),
		GrantID:               grantID,
		EncryptedAccessToken:  encryptedAccess,
		EncryptedRefreshToken: encryptedRefresh,
		TokenExpiry:           m.expiryOrDefault(tokenSet.Expiry),
		Scopes:                strings.Join(tokenSet.Scopes, " "),
		Status:                StatusActive,
		ConnectedBy:           strings.TrimSpace(tokenSet.ConnectedBy),
		LastRefreshAt:         &now,
	}
	updateColumns := []string{"grant_id", "encrypted_access_token", "encrypted_refresh_token", "token_expiry", "scopes", "status", "last_refresh_at", "updated_at"}
	if connection.TenantName != "" {
		updateColumns = append(updateColumns, "tenant_name")
	}
	if connection.ConnectedBy != "" {
		updateColumns = append(updateColumns, "connected_by")
	}
	err = m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(&connection).Error
	if err != nil {
		m.logError(opSaveToken, "upsert_failed", err, zap.String(fieldTenantID, tenantID))
		return syncerr.NewSync(syncerr.CodeStorage, "store tenant connection", false, err)
	}
	return nil
}

// Revoke disconnects the tenant. Remote revocation is best effort and repeated calls succeed.
func (m *Manager) Revoke(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidTenant
	}

	var connection TenantConnection
	err := m.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&connection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		m.logError(opRevoke, "lookup_failed", err, zap.String(fieldTenantID, tenantID))
		return syncerr.NewSync(syncerr.CodeStorage, "load tenant connection", false, err)
	}
	if connection.Status == StatusRevoked {
		return nil
	}

	var siblings int64
	err = m.db.WithContext(ctx).Model(&TenantConnection{}).
		Where("grant_id = ? AND tenant_id <> ? AND status = ?", connection.grantKey(), tenantID, StatusActive).
		Count(&siblings).Error
	if err != nil {
		m.logError(opRevoke, "lookup_failed", err, zap.String(fieldTenantID, tenantID))
		return syncerr.NewSync(syncerr.CodeStorage, "load tenant connection", false, err)
	}
	if siblings > 0 {
		// Other organisations still use this grant, so only the local connection is dropped.
		m.logger.Info("remote revocation skipped for shared grant",
			zap.String(fieldTenantID, tenantID),
			zap.Int64("sharing_tenants", siblings))
	} else if refreshToken, decryptErr := m.cipher.Decrypt(tenantID, connection.EncryptedRefreshToken); decryptErr == nil && refreshToken != "" {
		if revokeErr := m.revokeRemote(ctx, refreshToken); revokeErr != nil {
			m.logger.Warn("remote token revocation failed",
				zap.String("operation", opRevoke),
				zap.String(fieldTenantID, tenantID),
				zap.Error(revokeErr))
		}
	}

	err = m.db.WithContext(ctx).Model(&TenantConnection{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]interface{}{
			"status":                  StatusRevoked,
			"encrypted_access_token":  "",
			"encrypted_refresh_token": "",
			"token_expiry":            time.Time{},
		}).Error
	if err != nil {
		m.logError(opRevoke, "update_failed", err, zap.String(fieldTenantID, tenantID))
		return syncerr.NewSync(syncerr.CodeStorage, "revoke tenant connection", false, err)
	}
	m.logger.Info("tenant connection revoked", zap.String(fieldTenantID, tenantID))
	return nil
}

// Invalidate forces the next GetValidToken for the tenant to refresh.
func (m *Manager) Invalidate(ctx context.Context, tenantID string) error {
	return m.db.WithContext(ctx).Model(&TenantConnection{}).
		Where("tenant_id = ? AND status = ?", tenantID, StatusActive).
		Update("token_expiry", time.Time{}).Error
}

// Deactivate flips an active connection to inactive so further calls fail fast until the tenant
// reconnects.
func (m *Manager) Deactivate(ctx context.Context, tenantID string) error {
	err := m.db.WithContext(ctx).Model(&TenantConnection{}).
		Where("tenant_id = ? AND status = ?", tenantID, StatusActive).
		Update("status", StatusInactive).Error
	if err != nil {
		m.logError(opRefresh, "deactivate_failed", err, zap.String(fieldTenantID, tenantID))
		return syncerr.NewSync(syncerr.CodeStorage, "deactivate tenant connection", false, err)
	}
	m.logger.Warn("tenant connection deactivated", zap.String(fieldTenantID, tenantID))
	return nil
}

// MarkSynced records the time of the last successful call for the tenant.
func (m *Manager) MarkSynced(ctx context.Context, tenantID string) error {
	return m.db.WithContext(ctx).Model(&TenantConnection{}).
		Where("tenant_id = ?", tenantID).
		Update("last_sync_at", m.now().UTC()).Error
}

// Connection returns the stored connection metadata without token material.
func (m *Manager) Connection(ctx context.Context, tenantID string) (TenantConnection, error) {
	var connection TenantConnection
	err := m.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&connection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TenantConnection{}, syncerr.NewAuth(syncerr.CodeNoConnection, "no connection for tenant", nil)
	}
	if err != nil {
		return TenantConnection{}, syncerr.NewSync(syncerr.CodeStorage, "load tenant connection", false, err)
	}
	connection.EncryptedAccessToken = ""
	connection.EncryptedRefreshToken = ""
	return connection, nil
}

// ActiveTenants lists tenant ids with an active connection.
func (m *Manager) ActiveTenants(ctx context.Context) ([]string, error) {
	var tenantIDs []string
	err := m.db.WithContext(ctx).Model(&TenantConnection{}).
		Where("status = ?", StatusActive).
		Order("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error
	return tenantIDs, err
}

func (m *Manager) loadUsable(ctx context.Context, tenantID string) (TenantConnection, error) {
	var connection TenantConnection
	err := m.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&connection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TenantConnection{}, syncerr.NewAuth(syncerr.CodeNoConnection, "no connection for tenant", nil)
	}
	if err != nil {
		m.logError(opGetValidToken, "lookup_failed", err, zap.String(fieldTenantID, tenantID))
		return TenantConnection{}, syncerr.NewSync(syncerr.CodeStorage, "load tenant connection", false, err)
	}
	switch connection.Status {
	case StatusActive:
		return connection, nil
	case StatusInactive:
		return TenantConnection{}, syncerr.NewAuth(syncerr.CodeRefreshFailed, "connection requires re-authorization", nil)
	default:
		return TenantConnection{}, syncerr.NewAuth(syncerr.CodeNoConnection, "tenant connection revoked", nil)
	}
}

func (m *Manager) fresh(connection TenantConnection) bool {
	if connection.EncryptedAccessToken == "" || connection.TokenExpiry.IsZero() {
		return false
	}
	return m.now().Add(m.refreshMargin).Before(connection.TokenExpiry)
}

func (m *Manager) decryptAccess(connection TenantConnection) (AccessToken, error) {
	value, err := m.cipher.Decrypt(connection.TenantID, connection.EncryptedAccessToken)
	if err != nil {
		m.logError(opGetValidToken, "decrypt_failed", err, zap.String(fieldTenantID, connection.TenantID))
		return AccessToken{}, syncerr.NewAuth(syncerr.CodeRefreshFailed, "stored access token unreadable", err)
	}
	return AccessToken{TenantID: connection.TenantID, Value: value, ExpiresAt: connection.TokenExpiry}, nil
}

// refresh runs inside the singleflight group for grantID with a context no caller can cancel. It
// re-reads the row so a refresh completed by an earlier flight is reused instead of spending the
// rotated refresh token twice.
func (m *Manager) refresh(ctx context.Context, tenantID string, grantID string) (issuedToken, error) {
	connection, err := m.loadUsable(ctx, tenantID)
	if err != nil {
		return issuedToken{}, err
	}
	if m.fresh(connection) {
		access, err := m.decryptAccess(connection)
		if err != nil {
			return issuedToken{}, err
		}
		return issuedToken{value: access.Value, expiry: access.ExpiresAt}, nil
	}

	refreshToken, err := m.cipher.Decrypt(tenantID, connection.EncryptedRefreshToken)
	if err != nil || refreshToken == "" {
		m.logError(opRefresh, "refresh_token_unreadable", err, zap.String(fieldTenantID, tenantID))
		return issuedToken{}, syncerr.NewAuth(syncerr.CodeRefreshFailed, "stored refresh token unreadable", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultRefreshTimeout)
	defer cancel()
	callCtx = context.WithValue(callCtx, oauth2.HTTPClient, m.httpClient)

	issued, err := m.oauth.TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return issuedToken{}, m.refreshFailed(ctx, tenantID, grantID, err)
	}

	rotated := issued.RefreshToken
	if rotated == "" {
		rotated = refreshToken
	}
	scopes := connection.Scopes
	if scope, ok := issued.Extra("scope").(string); ok && strings.TrimSpace(scope) != "" {
		scopes = strings.Join(strings.Fields(scope), " ")
	}
	expiry := m.expiryOrDefault(issued.Expiry)
	if err := m.storeRefreshed(ctx, grantID, issued.AccessToken, rotated, expiry, scopes); err != nil {
		return issuedToken{}, err
	}

	m.logger.Info("access token refreshed",
		zap.String(fieldTenantID, tenantID),
		zap.String("grant_id", grantID),
		zap.Time("expires_at", expiry))
	return issuedToken{value: issued.AccessToken, expiry: expiry}, nil
}

// storeRefreshed writes the refreshed credential to every active tenant of the grant in one
// transaction. Each row is encrypted under its own tenant id.
func (m *Manager) storeRefreshed(ctx context.Context, grantID string, accessToken string, refreshToken string, expiry time.Time, scopes string) error {
	now := m.now().UTC()
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var connections []TenantConnection
		err := tx.Where("status = ? AND (grant_id = ? OR (grant_id = '' AND tenant_id = ?))", StatusActive, grantID, grantID).
			Find(&connections).Error
		if err != nil {
			return err
		}
		for _, connection := range connections {
			encryptedAccess, err := m.cipher.Encrypt(connection.TenantID, accessToken)
			if err != nil {
				return err
			}
			encryptedRefresh, err := m.cipher.Encrypt(connection.TenantID, refreshToken)
			if err != nil {
				return err
			}
			err = tx.Model(&TenantConnection{}).
				Where("tenant_id = ?", connection.TenantID).
				Updates(map[string]interface{}{
					"encrypted_access_token":  encryptedAccess,
					"encrypted_refresh_token": encryptedRefresh,
					"token_expiry":            expiry,
					"scopes":                  scopes,
					"last_refresh_at":         now,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logError(opRefresh, "store_failed", err, zap.String("grant_id", grantID))
		return syncerr.NewSync(syncerr.CodeStorage, "store refreshed token", false, err)
	}
	return nil
}

// refreshFailed deactivates every tenant of the grant when the grant itself was revoked.
func (m *Manager) refreshFailed(ctx context.Context, tenantID string, grantID string, cause error) error {
	classified := syncerr.Classify(cause)
	m.logError(opRefresh, strings.ToLower(classified.Code), cause,
		zap.String(fieldTenantID, tenantID),
		zap.String("grant_id", grantID))

	var retrieveErr *oauth2.RetrieveError
	if errors.As(cause, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
		updateErr := m.db.WithContext(ctx).Model(&TenantConnection{}).
			Where("status = ? AND (grant_id = ? OR tenant_id = ?)", StatusActive, grantID, tenantID).
			Update("status", StatusInactive).Error
		if updateErr != nil {
			m.logError(opRefresh, "deactivate_failed", updateErr, zap.String(fieldTenantID, tenantID))
		}
	}
	return syncerr.NewAuth(syncerr.CodeRefreshFailed, "token refresh failed", cause)
}

func (m *Manager) expiryOrDefault(expiry time.Time) time.Time {
	if expiry.IsZero() {
		return m.now().Add(defaultTokenLifetime).UTC()
	}
	return expiry.UTC()
}

func (m *Manager) revokeRemote(ctx context.Context, refreshToken string) error {
	if m.revokeURL == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", refreshToken)
	form.Set("token_type_hint", "refresh_token")

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.SetBasicAuth(m.oauth.ClientID, m.oauth.ClientSecret)

	response, err := m.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("tokens: revocation endpoint returned status %d", response.StatusCode)
	}
	return nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("token manager error", attrs...)
}
