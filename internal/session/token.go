package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry はJWTのexpクレームを署名検証せずに読み取る。
// 署名の検証はバックエンドが行うため、ここではセッション期限の上限としてのみ使う。
// JWTでない、またはexpがない場合はfalseを返す。
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// sessionExpiry はセッションの有効期限 min(now+maxAge, exp) を返す。
func sessionExpiry(now time.Time, maxAge time.Duration, token string) time.Time {
	expiresAt := now.Add(maxAge)
	if exp, ok := TokenExpiry(token); ok && exp.Before(expiresAt) {
		return exp
	}
	return expiresAt
}

// fingerprint はトークンのSHA-256ハッシュを返す。トークン本体はメモリにも保持しない。
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// fingerprintMatches は定数時間でフィンガープリントを比較する。
func fingerprintMatches(want, token string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(fingerprint(token))) == 1
}
