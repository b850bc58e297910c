package lobby

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Credential is what an approved participant needs to join the media room.
type Credential struct {
	Token    string    `json:"token"`
	RoomID   string    `json:"room_id"`
	MediaURL string    `json:"media_url"`
	Identity string    `json:"identity,omitempty"`
	Name     string    `json:"name,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
}

// Expired reports whether the token carried an expiry that has passed.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

type mediaClaims struct {
	Name  string `json:"name,omitempty"`
	Video struct {
		Room string `json:"room,omitempty"`
	} `json:"video"`
	jwt.RegisteredClaims
}

// credentialFrom builds a Credential from an approval. The token is signed
// by the media server, so its claims are read without verification and
// only fill in descriptive fields.
func credentialFrom(a Approved) Credential {
	c := Credential{Token: a.Token, RoomID: a.RoomID, MediaURL: a.MediaURL}
	if a.Token == "" {
		return c
	}
	var claims mediaClaims
	if _, _, err := jwt.NewParser().ParseUnverified(a.Token, &claims); err != nil {
		return c
	}
	c.Identity = claims.Subject
	c.Name = claims.Name
	if claims.ExpiresAt != nil {
		c.Expires = claims.ExpiresAt.Time
	}
	if c.RoomID == "" {
		c.RoomID = claims.Video.Room
	}
	return c
}
