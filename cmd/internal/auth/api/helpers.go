package authapi

import (
	"messenger/cmd/identity"
	"messenger/cmd/internal/auth/session"
)

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Phone:       u.Phone,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
}

func toTokensResponse(p session.TokenPair) tokensResponse {
	return tokensResponse{
		AccessToken:           p.AccessToken,
		AccessTokenExpiresAt:  p.AccessExpiresAt,
		RefreshToken:          p.RefreshToken,
		RefreshTokenExpiresAt: p.RefreshExpiresAt,
	}
}

func toSessionResponse(s session.Session, currentID string) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		DeviceID:     s.DeviceID,
		DeviceName:   s.DeviceName,
		OS:           s.OS,
		DeviceInfo:   s.DeviceInfo,
		IPAddress:    s.IPAddress,
		Location:     s.Location,
		LastActiveAt: s.LastActiveAt,
		CreatedAt:    s.CreatedAt,
		IsCurrent:    s.ID == currentID,
	}
}
