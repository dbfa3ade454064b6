package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Verifier проверяет подпись подтверждения оплаты.
type Verifier interface {
	Verify(payload []byte, signature string) bool
}

// HMACVerifier проверяет HMAC-SHA256 от тела подтверждения на общем секрете.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Verify сравнивает подписи за постоянное время. Подпись принимается в hex или base64.
func (v *HMACVerifier) Verify(payload []byte, signature string) bool {
	if len(v.secret) == 0 {
		return false
	}
	got, ok := decodeSignature(strings.TrimSpace(signature))
	if !ok {
		return false
	}
	return hmac.Equal(got, computeHMAC(v.secret, payload))
}

// Sign возвращает hex-подпись payload; используется локальным провайдером и в тестах.
func (v *HMACVerifier) Sign(payload []byte) string {
	return hex.EncodeToString(computeHMAC(v.secret, payload))
}

func computeHMAC(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// hex проверяется первым: строка из hex-символов почти всегда валидна и как base64.
func decodeSignature(value string) ([]byte, bool) {
	if value == "" {
		return nil, false
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, true
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, true
	}
	return nil, false
}
