package identity

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/medlink/backend/internal/realtime"
)

func TestVisitorIdentity(t *testing.T) {
	res := NewHeaderResolver("")

	req := httptest.NewRequest("GET", "/api/chat/ws", nil)
	id, err := res.Visitor(req)
	require.NoError(t, err)
	assert.Equal(t, realtime.RoleVisitor, id.Role)
	assert.Empty(t, id.UserID)

	req = httptest.NewRequest("GET", "/api/chat/ws?userId=q-user", nil)
	req.Header.Set(HeaderUserID, "h-user")
	id, _ = res.Visitor(req)
	assert.Equal(t, "h-user", id.UserID)

	req = httptest.NewRequest("GET", "/api/chat/ws?userId=q-user", nil)
	id, _ = res.Visitor(req)
	assert.Equal(t, "q-user", id.UserID)
}

func TestStaffIdentity(t *testing.T) {
	res := NewHeaderResolver("")

	_, err := res.Staff(httptest.NewRequest("GET", "/api/staff/ws", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)

	req := httptest.NewRequest("GET", "/api/staff/ws?staffId=s-1", nil)
	id, err := res.Staff(req)
	require.NoError(t, err)
	assert.Equal(t, realtime.RoleStaff, id.Role)
	assert.Equal(t, "s-1", id.StaffName)

	req = httptest.NewRequest("GET", "/api/staff/ws", nil)
	req.Header.Set(HeaderStaffID, "s-2")
	req.Header.Set(HeaderStaffName, "Nurse Joy")
	id, err = res.Staff(req)
	require.NoError(t, err)
	assert.Equal(t, "Nurse Joy", id.StaffName)
}

func TestStaffToken(t *testing.T) {
	res := NewHeaderResolver("secret")

	_, err := res.Staff(httptest.NewRequest("GET", "/api/staff/ws?staffId=s-1", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = res.Staff(httptest.NewRequest("GET", "/api/staff/ws?staffId=s-1&token=wrong", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)

	id, err := res.Staff(httptest.NewRequest("GET", "/api/staff/ws?staffId=s-1&token=secret", nil))
	require.NoError(t, err)
	assert.Equal(t, "s-1", id.StaffID)
}
