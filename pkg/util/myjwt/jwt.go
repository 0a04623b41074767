package myjwt

import (
	"errors"
	"strings"
	"time"

	"KnowForge/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

type CustomClaims struct {
	Uuid     string `json:"uuid"`
	Username string `json:"username"`
	// TeamID 为空时以 Uuid 作为数据归属方
	TeamID string `json:"teamId,omitempty"`
	jwt.RegisteredClaims
}

// OwnerID 数据归属方（团队优先）
func (c *CustomClaims) OwnerID() string {
	if t := strings.TrimSpace(c.TeamID); t != "" {
		return t
	}
	return c.Uuid
}

func GenerateToken(uuid, username, teamID string) (string, error) {
	conf := config.GetConfig()
	issuer := conf.JwtConfig.Issuer
	if issuer == "" {
		issuer = conf.MainConfig.AppName
	}
	expireHours := conf.JwtConfig.ExpireHours
	if expireHours <= 0 {
		expireHours = 24
	}
	return GenerateTokenWithKey(conf.JwtConfig.Key, issuer, time.Duration(expireHours)*time.Hour, uuid, username, teamID)
}

func GenerateTokenWithKey(key, issuer string, ttl time.Duration, uuid, username, teamID string) (string, error) {
	if key == "" {
		return "", errors.New("jwt key is empty")
	}
	now := time.Now()
	claims := CustomClaims{
		Uuid:     uuid,
		Username: username,
		TeamID:   teamID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(key))
}

func ParseToken(tokenString string) (*CustomClaims, error) {
	return ParseTokenWithKey(tokenString, config.GetConfig().JwtConfig.Key)
}

func ParseTokenWithKey(tokenString, key string) (*CustomClaims, error) {
	if key == "" {
		return nil, errors.New("jwt key is empty")
	}
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Uuid) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}
