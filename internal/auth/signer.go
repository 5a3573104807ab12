package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

const (
	payloadDelimiter = "|"
	minSecretLength  = 32
)

// ErrWeakSecret は署名鍵が短すぎる場合に返されます。
var ErrWeakSecret = errors.New("session secret must be at least 32 bytes")

// Payload は署名対象となるセッションのフィールドです。
type Payload struct {
	UserID    string
	Token     string
	ExpiresAt int64
}

func (p Payload) canonical() string {
	return strings.Join([]string{p.UserID, p.Token, strconv.FormatInt(p.ExpiresAt, 10)}, payloadDelimiter)
}

// Signer はセッションの HMAC-SHA256 署名を生成・検証します。
type Signer struct {
	secret []byte
}

// NewSigner は署名鍵を受け取り Signer を作成します。
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{secret: key}, nil
}

// Sign は小文字16進数の署名を返します。
func (s *Signer) Sign(p Payload) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(p.canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify は署名を再計算し、定数時間で比較します。
// 形式の不正な候補は単に不一致として扱います。
func (s *Signer) Verify(p Payload, candidate string) bool {
	expected := s.Sign(p)
	return hmac.Equal([]byte(expected), []byte(candidate))
}
