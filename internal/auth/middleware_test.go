package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func runAdmin(t *testing.T, secret, header string) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/v1/accounts/0xabc/deposit", nil)
	if header != "" {
		c.Request.Header.Set(AdminHeader, header)
	}
	RequireAdmin(secret)(c)
	return w, c
}

func TestRequireAdmin_CorrectSecret(t *testing.T) {
	_, c := runAdmin(t, "supersecret123", "supersecret123")
	assert.False(t, c.IsAborted())
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	w, c := runAdmin(t, "supersecret123", "wrongsecret")
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	w, c := runAdmin(t, "supersecret123", "")
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin_DisabledWithoutSecret(t *testing.T) {
	// An empty configured secret must not match an empty header.
	w, c := runAdmin(t, "", "")
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "admin_disabled")
}
