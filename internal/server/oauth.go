package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/tokens"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opOAuthCallback    = "server.oauth_callback"
	organisationTenant = "ORGANISATION"
	stateCookiePath    = "/oauth"
	extraIDToken       = "id_token"
	extraScope         = "scope"
)

type connectedTenant struct {
	TenantID   string `json:"tenant_id"`
	TenantName string `json:"tenant_name"`
}

type callbackResponse struct {
	Connected   []connectedTenant `json:"connected"`
	ConnectedBy string            `json:"connected_by,omitempty"`
}

// handleConnect redirects to the consent screen with a signed state bound to a nonce cookie.
func (h *httpHandler) handleConnect(c *gin.Context) {
	states := h.oauth.States
	state, nonce, err := states.Issue(safeReturnPath(c.Query("return_to")))
	if err != nil {
		h.writeError(c, "server.oauth_connect", err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(states.CookieName(), nonce, int(states.TTL()/time.Second), stateCookiePath, "", h.oauth.SecureCookies, true)
	c.Redirect(http.StatusFound, h.oauth.OAuth.AuthCodeURL(state))
}

// handleCallback completes the authorization code grant and stores one connection per authorized
// organisation.
func (h *httpHandler) handleCallback(c *gin.Context) {
	ctx := c.Request.Context()
	if denied := strings.TrimSpace(c.Query("error")); denied != "" {
		h.logger.Info("consent denied", zap.String("error", denied))
		abortWithCode(c, http.StatusBadRequest, "ERR_VALIDATION", "authorization was not granted")
		return
	}

	states := h.oauth.States
	claims, err := states.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("oauth state rejected", zap.Error(err))
		abortWithCode(c, http.StatusBadRequest, "ERR_VALIDATION", "invalid or expired state")
		return
	}
	c.SetCookie(states.CookieName(), "", -1, stateCookiePath, "", h.oauth.SecureCookies, true)

	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		abortWithCode(c, http.StatusBadRequest, "ERR_VALIDATION", "authorization code is required")
		return
	}

	token, err := h.oauth.OAuth.Exchange(ctx, code)
	if err != nil {
		h.writeError(c, opOAuthCallback, err)
		return
	}

	connectedBy := ""
	if rawIDToken, _ := token.Extra(extraIDToken).(string); rawIDToken != "" && h.oauth.Identity != nil {
		identity, verifyErr := h.oauth.Identity.Verify(ctx, rawIDToken)
		if verifyErr != nil {
			h.logger.Warn("id token rejected", zap.Error(verifyErr))
			abortWithCode(c, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "identity could not be verified")
			return
		}
		connectedBy = identity.Email
		if connectedBy == "" {
			connectedBy = identity.Subject
		}
	}

	connections, err := h.oauth.Connections.Connections(ctx, token.AccessToken)
	if err != nil {
		h.writeError(c, opOAuthCallback, err)
		return
	}

	scopes := h.oauth.OAuth.Scopes
	if granted, _ := token.Extra(extraScope).(string); strings.TrimSpace(granted) != "" {
		scopes = strings.Fields(granted)
	}

	// Every organisation authorized by this consent shares one refresh token.
	grantID := uuid.Must(uuid.NewV7()).String()
	response := callbackResponse{Connected: []connectedTenant{}, ConnectedBy: connectedBy}
	for _, connection := range connections {
		if connection.TenantType != "" && !strings.EqualFold(connection.TenantType, organisationTenant) {
			continue
		}
		err := h.tokens.SaveToken(ctx, connection.TenantID, tokens.TokenSet{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			Expiry:       token.Expiry,
			Scopes:       scopes,
			TenantName:   connection.TenantName,
			ConnectedBy:  connectedBy,
			GrantID:      grantID,
		})
		if err != nil {
			h.writeError(c, opOAuthCallback, err)
			return
		}
		response.Connected = append(response.Connected, connectedTenant{TenantID: connection.TenantID, TenantName: connection.TenantName})
	}
	if len(response.Connected) == 0 {
		h.writeError(c, opOAuthCallback, syncerr.NewValidation(syncerr.CodeInvalidPayload, "no organisation was authorized", nil))
		return
	}

	h.logger.Info("tenants connected",
		zap.Int("count", len(response.Connected)),
		zap.String("connected_by", connectedBy))
	if claims.ReturnTo != "" {
		c.Redirect(http.StatusFound, claims.ReturnTo)
		return
	}
	c.JSON(http.StatusOK, response)
}

// safeReturnPath keeps only same-origin absolute paths.
func safeReturnPath(value string) string {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "/") || strings.HasPrefix(value, "//") || strings.Contains(value, `\`) {
		return ""
	}
	return value
}
