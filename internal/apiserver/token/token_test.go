package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	s := NewService("agent-fleet")

	tok, err := s.IssueWorkspaceCallbackToken("ws-1", "node-1")
	require.NoError(t, err)

	claims, err := s.Verify(tok, AudienceWorkspaceCallback)
	require.NoError(t, err)
	assert.Equal(t, "ws-1", claims.Subject)
	assert.Equal(t, "node-1", claims.NodeID)
	assert.Equal(t, "agent-fleet", claims.Issuer)
}

func TestVerify_RejectsWrongAudience(t *testing.T) {
	s := NewService("agent-fleet")

	tok, err := s.IssueWorkspaceTerminalToken("ws-1", "node-1")
	require.NoError(t, err)

	_, err = s.Verify(tok, AudienceWorkspaceCallback)
	assert.Error(t, err)
}

func TestVerify_RejectsWrongIssuer(t *testing.T) {
	s := NewService("agent-fleet")
	other := NewService("some-other-deployment")
	// 共享密钥环：签名可验，签发方不符也必须拒绝
	other.keys = s.keys

	tok, err := other.IssueWorkspaceCallbackToken("ws-1", "node-1")
	require.NoError(t, err)

	_, err = s.Verify(tok, AudienceWorkspaceCallback)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
}

func TestVerify_RejectsExpired(t *testing.T) {
	s := NewService("agent-fleet")
	past := time.Now().Add(-48 * time.Hour)
	s.now = func() time.Time { return past }

	tok, err := s.IssueWorkspaceCallbackToken("ws-1", "node-1")
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Verify(tok, AudienceWorkspaceCallback)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestVerify_RejectsUnknownKid(t *testing.T) {
	issuerA := NewService("agent-fleet")
	issuerB := NewService("agent-fleet")

	tok, err := issuerA.IssueNodeManagementToken("node-1")
	require.NoError(t, err)

	// B 的密钥环里没有 A 的密钥
	_, err = issuerB.Verify(tok, AudienceNodeManagement)
	assert.Error(t, err)
}

// 月份轮换后，上月签发的令牌仍然可验（密钥环保留旧密钥）
func TestMonthlyRotation_OldTokensStillValid(t *testing.T) {
	s := NewService("agent-fleet")

	lastMonth := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return lastMonth }
	oldTok, err := s.IssueWorkspaceCallbackToken("ws-1", "node-1")
	require.NoError(t, err)

	thisMonth := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return thisMonth }
	newTok, err := s.IssueWorkspaceCallbackToken("ws-2", "node-1")
	require.NoError(t, err)

	// 两个月份各自的 kid 都在密钥环中
	_, err = s.Verify(oldTok, AudienceWorkspaceCallback)
	assert.NoError(t, err)
	_, err = s.Verify(newTok, AudienceWorkspaceCallback)
	assert.NoError(t, err)

	s.mu.Lock()
	assert.Len(t, s.keys, 2)
	_, hasJuly := s.keys["2026-07"]
	_, hasAugust := s.keys["2026-08"]
	s.mu.Unlock()
	assert.True(t, hasJuly)
	assert.True(t, hasAugust)
}

func TestVerifyForWorkspace(t *testing.T) {
	s := NewService("agent-fleet")

	wsTok, err := s.IssueWorkspaceCallbackToken("ws-1", "node-1")
	require.NoError(t, err)
	nodeTok, err := s.issue("node-1", "node-1", AudienceWorkspaceCallback, TTLWorkspaceCallback)
	require.NoError(t, err)

	// sub 直接匹配工作空间
	_, err = s.VerifyForWorkspace(wsTok, AudienceWorkspaceCallback, "ws-1", "node-1")
	assert.NoError(t, err)

	// sub 是归属节点时兜底放行
	_, err = s.VerifyForWorkspace(nodeTok, AudienceWorkspaceCallback, "ws-1", "node-1")
	assert.NoError(t, err)

	// 其他工作空间的令牌拒绝
	_, err = s.VerifyForWorkspace(wsTok, AudienceWorkspaceCallback, "ws-2", "node-9")
	assert.Error(t, err)
}

func TestPublicKeys(t *testing.T) {
	s := NewService("agent-fleet")

	keys, err := s.PublicKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)

	kid := s.currentKid()
	assert.Contains(t, keys, kid)
	assert.NotNil(t, keys[kid])
}
