package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errTokenExpired = errors.New("token expired")
	errTokenInvalid = errors.New("token invalid")
)

// TokenOptions configure room token minting.
type TokenOptions struct {
	Exp    time.Duration
	Secret []byte
}

// RoomClaims bind a token to one room and one identity. The relay does
// not authenticate users beyond this binding; room membership control is
// the key-distribution protocol's job, not the relay's.
type RoomClaims struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func mintRoomToken(roomID, userID, username string, options TokenOptions) (string, time.Time, error) {
	exp := time.Now().Add(options.Exp)
	claims := &RoomClaims{
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "peerchat-relay",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(options.Secret)
	return signed, exp, err
}

func verifyRoomToken(token string, options TokenOptions) (*RoomClaims, error) {
	claims := &RoomClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return options.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case parsed != nil && parsed.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, errTokenExpired
	default:
		return nil, errTokenInvalid
	}
}
