package relay

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
)

// LinkMarker prefixes the upstream URL in the path a client connects with,
// e.g. "/?rtsplink=rtsp://camera/stream1a".
const LinkMarker = "/?rtsplink="

// Key identifies a channel: the upstream source plus the single character
// discriminator clients append to the link.
type Key struct {
	URL           string
	Discriminator string
}

// KeyFromPath derives the channel key from the path a client requested.
// Paths of one character or less map to the empty key. When useDiscriminator
// is false the key is the stripped URL alone.
func KeyFromPath(path string, useDiscriminator bool) Key {
	path = strings.TrimSpace(path)
	if len(path) <= 1 {
		return Key{}
	}

	link := strings.ReplaceAll(path, LinkMarker, "")
	if unescaped, err := url.PathUnescape(link); err == nil {
		link = unescaped
	}

	if !useDiscriminator {
		return Key{URL: link}
	}

	// taken after unescaping so an escaped final character still splits off
	last, size := utf8.DecodeLastRuneInString(link)
	if size == 0 {
		return Key{}
	}
	return Key{
		URL:           link[:len(link)-size],
		Discriminator: string(last),
	}
}

// IsEmpty reports whether k is the zero key.
func (k Key) IsEmpty() bool {
	return k.URL == "" && k.Discriminator == ""
}

// String returns the key with credentials stripped from the URL so it can be
// logged and exposed over the API.
func (k Key) String() string {
	u := RedactURL(k.URL)
	if k.Discriminator == "" {
		return u
	}
	return u + "#" + k.Discriminator
}

// RedactURL removes user info from an RTSP URL. Values that do not parse as
// RTSP URLs are returned unchanged.
func RedactURL(raw string) string {
	u, err := base.ParseURL(raw)
	if err != nil {
		return raw
	}
	return u.CloneWithoutCredentials().String()
}
