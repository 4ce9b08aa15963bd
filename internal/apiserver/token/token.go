// Package token 回调令牌服务
//
// 控制面给远程机器下发 RS256 签名的 JWT：工作空间用它回调任务状态、
// 访问终端；节点用它调用节点管理接口。签名密钥按月轮换，
// kid 即月份（"2006-01"），验证时按 kid 查公钥，旧月份的密钥
// 保留在密钥环中，已签发的令牌在到期前始终可验。
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 令牌受众
const (
	// AudienceWorkspaceTerminal 终端访问令牌（短期）
	AudienceWorkspaceTerminal = "workspace-terminal"

	// AudienceWorkspaceCallback 任务状态回调令牌（覆盖任务整个执行周期）
	AudienceWorkspaceCallback = "workspace-callback"

	// AudienceNodeManagement 节点管理令牌（心跳、工作空间上报）
	AudienceNodeManagement = "node-management"
)

// 各受众的有效期
const (
	TTLWorkspaceTerminal = time.Hour
	TTLWorkspaceCallback = 24 * time.Hour
	TTLNodeManagement    = 24 * time.Hour
)

const rsaKeyBits = 2048

// Claims 回调令牌声明
type Claims struct {
	jwt.RegisteredClaims

	// NodeID 签发时所在节点（审计用，不参与验证）
	NodeID string `json:"node_id,omitempty"`
}

// Service 令牌服务
//
// 密钥环驻留内存：进程重启后旧令牌失效，远程机器经回调重新换取。
type Service struct {
	issuer string

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey

	now func() time.Time
}

// NewService 创建令牌服务
func NewService(issuer string) *Service {
	return &Service{
		issuer: issuer,
		keys:   make(map[string]*rsa.PrivateKey),
		now:    time.Now,
	}
}

// currentKid 当前签名密钥的 kid（按月轮换）
func (s *Service) currentKid() string {
	return s.now().UTC().Format("2006-01")
}

// signingKey 取当前月份的签名密钥，首次使用时生成
func (s *Service) signingKey() (string, *rsa.PrivateKey, error) {
	kid := s.currentKid()

	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[kid]; ok {
		return kid, key, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	s.keys[kid] = key
	log.Printf("[token.rotate] kid=%s", kid)
	return kid, key, nil
}

// publicKey 按 kid 查公钥
func (s *Service) publicKey(kid string) (*rsa.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[kid]
	if !ok {
		return nil, false
	}
	return &key.PublicKey, true
}

// PublicKeys 返回当前密钥环的公钥（按 kid 索引）
//
// 供 JWKS 发布端点使用；调用前会确保当月密钥已生成。
func (s *Service) PublicKeys() (map[string]*rsa.PublicKey, error) {
	if _, _, err := s.signingKey(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*rsa.PublicKey, len(s.keys))
	for kid, key := range s.keys {
		out[kid] = &key.PublicKey
	}
	return out, nil
}

// issue 签发令牌
func (s *Service) issue(subject, nodeID, audience string, ttl time.Duration) (string, error) {
	kid, key, err := s.signingKey()
	if err != nil {
		return "", err
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		NodeID: nodeID,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(key)
}

// IssueWorkspaceTerminalToken 签发终端访问令牌（sub 为工作空间 ID）
func (s *Service) IssueWorkspaceTerminalToken(workspaceID, nodeID string) (string, error) {
	return s.issue(workspaceID, nodeID, AudienceWorkspaceTerminal, TTLWorkspaceTerminal)
}

// IssueWorkspaceCallbackToken 签发任务状态回调令牌（sub 为工作空间 ID）
func (s *Service) IssueWorkspaceCallbackToken(workspaceID, nodeID string) (string, error) {
	return s.issue(workspaceID, nodeID, AudienceWorkspaceCallback, TTLWorkspaceCallback)
}

// IssueNodeManagementToken 签发节点管理令牌（sub 为节点 ID）
func (s *Service) IssueNodeManagementToken(nodeID string) (string, error) {
	return s.issue(nodeID, nodeID, AudienceNodeManagement, TTLNodeManagement)
}

// Verify 解析令牌并校验签名、签发方、有效期和受众
func (s *Service) Verify(tokenString, audience string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key, ok := s.publicKey(kid)
		if !ok {
			return nil, fmt.Errorf("unknown kid: %q", kid)
		}
		return key, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithAudience(audience), jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// VerifyForWorkspace 校验令牌是否有权操作指定工作空间
//
// 常规情况 sub 是工作空间 ID；兼容旧部署时 sub 可能是持有该工作空间
// 的节点 ID，此时以归属节点兜底放行。
func (s *Service) VerifyForWorkspace(tokenString, audience, workspaceID, owningNodeID string) (*Claims, error) {
	claims, err := s.Verify(tokenString, audience)
	if err != nil {
		return nil, err
	}
	if claims.Subject == workspaceID {
		return claims, nil
	}
	if owningNodeID != "" && claims.Subject == owningNodeID {
		return claims, nil
	}
	return nil, fmt.Errorf("token subject %q does not match workspace %q", claims.Subject, workspaceID)
}
