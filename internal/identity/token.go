package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-classroom/internal/types"
)

const (
	userIdClaim = "user-id"
	nameClaim   = "name"
	roleClaim   = "role"
	expClaim    = "exp"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier checks HS256 session tokens issued by the auth subsystem.
type TokenVerifier struct {
	key []byte
}

func NewTokenVerifier(key []byte) *TokenVerifier {
	return &TokenVerifier{key: key}
}

// Issue signs a session token for u. The server only issues tokens in
// development and tests; production tokens come from the auth subsystem.
func (v *TokenVerifier) Issue(u types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: u.Id,
		nameClaim:   u.Name,
		roleClaim:   string(u.Role),
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(v.key)
}

func (v *TokenVerifier) Verify(tokenString string) (types.User, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return types.User{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("%w: claims", ErrInvalidToken)
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return types.User{}, fmt.Errorf("%w: user id claim", ErrInvalidToken)
	}

	name, _ := claims[nameClaim].(string)
	role := types.Role(fmt.Sprint(claims[roleClaim]))
	if role != types.RoleTeacher {
		role = types.RoleStudent
	}

	return types.User{Id: userId, Name: name, Role: role}, nil
}
