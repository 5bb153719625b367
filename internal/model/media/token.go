package media

import "time"

// DecryptRequest 媒体会话令牌解密请求
type DecryptRequest struct {
	RotatingID        string `json:"rotatingId"`
	Salt              string `json:"salt,omitempty"` // 为空时使用服务端配置的 salt
	NonceB64          string `json:"nonceB64"`
	EncryptedTokenB64 string `json:"encryptedTokenB64"`
}

// DecryptResponse 解密成功的响应
type DecryptResponse struct {
	Decrypted string `json:"decrypted"`
}

// IssueRequest 模拟签发媒体令牌的请求
type IssueRequest struct {
	Token string `json:"token,omitempty"` // 为空时生成随机令牌
}

// IssuedToken 模拟签发方返回的密文令牌
type IssuedToken struct {
	RotatingID        string    `json:"rotatingId"`
	NonceB64          string    `json:"nonceB64"`
	EncryptedTokenB64 string    `json:"encryptedTokenB64"`
	IssuedAt          time.Time `json:"issuedAt"`
}
