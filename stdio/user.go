package stdio

import (
	"os/user"
)

// UserProvider supplies the user id that owns the stdio session. No bearer
// token travels over stdio; the peer is whoever launched the process.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the operating system's current user, preferring
// the username over the uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser is a UserProvider that always returns itself.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }
