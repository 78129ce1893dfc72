// Package auth implements the external authentication collaborator spec.md
// §6.2 describes: a bearer token whose payload carries {openId, exp},
// verified independently of trusting its signature.
package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/collabcore/server/internal/db"
	"github.com/collabcore/server/internal/models"
)

// ContextKey namespaces gin context values set by this package.
type ContextKey string

// UserContextKey is where AuthMiddleware stores the resolved user.
const UserContextKey ContextKey = "user"

// Identity is the result of verifying a bearer token: exactly the two
// fields spec.md §6.2 requires. Nothing from a provider's richer claims
// leaks past this boundary into the core.
type Identity struct {
	OpenID string
	Exp    int64
}

// Expired reports whether the identity's exp has passed.
func (id Identity) Expired() bool {
	return time.Now().Unix() >= id.Exp
}

// TokenVerifier is the core's only dependency on an auth provider. The
// core must call this rather than trust a token's signature directly.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// claims is the JWT payload this repo issues and verifies.
type claims struct {
	OpenID string `json:"openId"`
	jwt.RegisteredClaims
}

// JWTVerifier implements TokenVerifier with HMAC-signed JWTs, matching
// the donor's golang-jwt/v5 usage in ValidateToken.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier bound to secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify implements TokenVerifier. It rejects anything not signed with
// HMAC before trusting the claims it carries.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Identity{}, errors.New("invalid token")
	}
	var exp int64
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Unix()
	}
	id := Identity{OpenID: c.OpenID, Exp: exp}
	if id.Expired() {
		return Identity{}, errors.New("token expired")
	}
	return id, nil
}

// IssueToken mints a token for openID, expiring after ttl. Used by the
// dev-login handler in the metadata API; the collaboration core only
// ever consumes tokens through TokenVerifier, never issues them.
func IssueToken(secret, openID string, ttl time.Duration) (string, error) {
	c := claims{
		OpenID: openID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "collabcore",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secret))
}

// AuthMiddleware validates the bearer token on metadata-API requests and
// resolves the caller by OpenID, grounded on the donor's AuthMiddleware.
func AuthMiddleware(verifier TokenVerifier, database *db.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			c.Abort()
			return
		}

		identity, err := verifier.Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token: " + err.Error()})
			c.Abort()
			return
		}

		user, err := database.GetUserByOpenID(c.Request.Context(), identity.OpenID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			c.Abort()
			return
		}
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			c.Abort()
			return
		}

		c.Set(string(UserContextKey), user)
		c.Next()
	}
}

// UserFromContext retrieves the authenticated user set by AuthMiddleware.
func UserFromContext(c *gin.Context) *models.User {
	v, exists := c.Get(string(UserContextKey))
	if !exists {
		return nil
	}
	return v.(*models.User)
}

// RequirePermission checks the caller holds at least minRole on the
// document named by the :id path param, grounded on the donor's
// RequirePermission and its roleHierarchy map (here models.RoleRank).
func RequirePermission(database *db.DB, minRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := UserFromContext(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			c.Abort()
			return
		}

		docID, err := parseDocID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			c.Abort()
			return
		}

		doc, err := database.GetDocument(c.Request.Context(), docID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			c.Abort()
			return
		}
		if doc == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			c.Abort()
			return
		}
		if doc.OwnerID == user.ID {
			c.Next()
			return
		}

		perm, err := database.CheckDocumentAccess(c.Request.Context(), docID, user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			c.Abort()
			return
		}
		if perm == nil || models.RoleRank[perm.Role] < models.RoleRank[minRole] {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func parseDocID(s string) (models.DocumentId, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	return models.DocumentId(id), err
}
