// Package auth 为管理 API 提供静态令牌认证。令牌通过 Authorization
// 头以 Bearer 形式携带，未配置令牌时认证整体关闭。
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// Mode 表示认证开关状态。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeStatic   Mode = "static"
)

var (
	ErrMissingToken = errors.New("缺少访问令牌")
	ErrInvalidToken = errors.New("访问令牌无效")
)

// Service 校验管理请求携带的令牌。
type Service struct {
	mode  Mode
	token string
}

// NewService 构造认证服务，token 为空时关闭认证。
func NewService(token string) *Service {
	if strings.TrimSpace(token) == "" {
		return &Service{mode: ModeDisabled}
	}
	return &Service{mode: ModeStatic, token: token}
}

// Enabled 返回认证是否生效。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// Authenticate 校验 Authorization 头。
func (s *Service) Authenticate(header string) error {
	if !s.Enabled() {
		return nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingToken
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
