package marketplace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenPair is the access/refresh credential pair issued by the auth endpoints.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// User is the canonical profile of the signed-in account. Every alternate
// server shape is normalized into it by normalizeUser.
type User struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	Role      string   `json:"role,omitempty"`
	VendorID  string   `json:"vendor_id,omitempty"` // tenant of the vendor event stream
	Profile   *Profile `json:"profile,omitempty"`
}

// Profile holds the optional extended account details.
type Profile struct {
	Phone        string `json:"phone,omitempty"`
	Avatar       string `json:"avatar,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
}

// TenantID returns the identity scoping this user's event stream.
func (u *User) TenantID() string {
	if u == nil {
		return ""
	}
	if u.VendorID != "" {
		return u.VendorID
	}
	return u.ID
}

// SessionEndReason explains why a session was destroyed.
type SessionEndReason string

const (
	ReasonLogout              SessionEndReason = "logout"
	ReasonRefreshExhausted    SessionEndReason = "refresh_exhausted"
	ReasonRefreshRejected     SessionEndReason = "refresh_rejected"
	ReasonRefreshTokenExpired SessionEndReason = "refresh_token_expired"
)

// SessionEnded is delivered to OnSessionEnded listeners. Hosts typically
// redirect to their login screen.
type SessionEnded struct {
	Reason SessionEndReason
	Err    error
	At     time.Time
}

// ListenerID identifies one listener registration.
type ListenerID uint64

// ============================================================================
// WIRE TYPES - auth endpoint request/response bodies
// ============================================================================

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse accepts both the nested {"tokens": {...}} and the flat
// {"access": ..., "refresh": ...} layouts.
type loginResponse struct {
	Access  string           `json:"access"`
	Refresh string           `json:"refresh"`
	Tokens  *refreshResponse `json:"tokens,omitempty"`
	User    json.RawMessage  `json:"user,omitempty"`
}

func (r loginResponse) pair() TokenPair {
	if r.Tokens != nil && r.Tokens.Access != "" {
		return TokenPair{AccessToken: r.Tokens.Access, RefreshToken: r.Tokens.Refresh}
	}
	return TokenPair{AccessToken: r.Access, RefreshToken: r.Refresh}
}

// flexString decodes JSON strings and numbers alike (ids arrive as both).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

type rawProfile struct {
	ID           flexString `json:"id"`
	VendorID     flexString `json:"vendor_id"`
	Phone        string     `json:"phone"`
	PhoneNumber  string     `json:"phone_number"`
	Avatar       string     `json:"avatar"`
	ProfileImage string     `json:"profile_image"`
	BusinessName string     `json:"business_name"`
	StoreName    string     `json:"store_name"`
}

type rawUser struct {
	ID          flexString  `json:"id"`
	Email       string      `json:"email"`
	FirstName   string      `json:"first_name"`
	LastName    string      `json:"last_name"`
	Role        string      `json:"role"`
	UserType    string      `json:"user_type"`
	VendorID    flexString  `json:"vendor_id"`
	Vendor      *rawProfile `json:"vendor,omitempty"`
	UserProfile *rawProfile `json:"userprofile,omitempty"`
	Profile     *rawProfile `json:"profile,omitempty"`
}

// normalizeUser maps any of the server's user shapes onto User. It runs
// once at the boundary; nothing past it sees the alternate field names.
func normalizeUser(raw json.RawMessage) (*User, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var ru rawUser
	if err := json.Unmarshal(raw, &ru); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}

	u := &User{
		ID:        string(ru.ID),
		Email:     ru.Email,
		FirstName: ru.FirstName,
		LastName:  ru.LastName,
		Role:      strings.ToLower(firstNonEmpty(ru.Role, ru.UserType)),
		VendorID:  string(ru.VendorID),
	}

	p := ru.UserProfile
	if p == nil {
		p = ru.Profile
	}
	if p != nil {
		u.Profile = &Profile{
			Phone:        firstNonEmpty(p.Phone, p.PhoneNumber),
			Avatar:       firstNonEmpty(p.Avatar, p.ProfileImage),
			BusinessName: firstNonEmpty(p.BusinessName, p.StoreName),
		}
		if u.VendorID == "" {
			u.VendorID = string(p.VendorID)
		}
	}
	if u.VendorID == "" && ru.Vendor != nil {
		u.VendorID = firstNonEmpty(string(ru.Vendor.ID), string(ru.Vendor.VendorID))
	}
	return u, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
