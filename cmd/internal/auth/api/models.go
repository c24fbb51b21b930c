package authapi

import (
	"encoding/json"
	"time"

	v1 "messenger/shared/contracts/realtime/v1"
)

type deviceRequest struct {
	DeviceID   string          `json:"deviceId"`
	DeviceName string          `json:"deviceName"`
	OS         string          `json:"os"`
	Info       json.RawMessage `json:"info,omitempty"`
}

type loginRequest struct {
	Phone  string        `json:"phone"`
	Code   string        `json:"code"`
	Device deviceRequest `json:"device"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	DeviceID     string `json:"deviceId,omitempty"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Phone       string    `json:"phone"`
	DisplayName *string   `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type tokensResponse struct {
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

type sessionResponse struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"deviceId"`
	DeviceName   string          `json:"deviceName,omitempty"`
	OS           string          `json:"os,omitempty"`
	DeviceInfo   json.RawMessage `json:"deviceInfo,omitempty"`
	IPAddress    string          `json:"ipAddress,omitempty"`
	Location     string          `json:"location,omitempty"`
	LastActiveAt time.Time       `json:"lastActiveAt"`
	CreatedAt    time.Time       `json:"createdAt"`
	IsCurrent    bool            `json:"isCurrent"`
}

type loginResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
	Tokens  tokensResponse  `json:"tokens"`
}

type refreshResponse struct {
	Session sessionResponse `json:"session"`
	Tokens  tokensResponse  `json:"tokens"`
}

type meResponse struct {
	User userResponse `json:"user"`
}

type sessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

type terminatedResponse struct {
	Terminated int `json:"terminated"`
}

type historyResponse struct {
	ChatID   string       `json:"chatId"`
	Messages []v1.Message `json:"messages"`
	HasMore  bool         `json:"hasMore"`
}
