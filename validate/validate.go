package validate

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

var (
	ErrInvalidHashtag  = errors.New("invalid hashtag")
	ErrInvalidNickname = errors.New("invalid nickname")
)

// Hashtags are short URL-safe identifiers typed or scanned by attendees.
var hashtagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,30}$`)

const maxNicknameLength = 20

// Hashtag checks a session identifier.
func Hashtag(hashtag string) error {
	if !hashtagPattern.MatchString(hashtag) {
		return fmt.Errorf("%w: %q", ErrInvalidHashtag, hashtag)
	}
	return nil
}

// Nickname checks an attendee nickname: non-empty, at most 20 runes, no
// control characters.
func Nickname(nickname string) error {
	if nickname == "" || utf8.RuneCountInString(nickname) > maxNicknameLength {
		return fmt.Errorf("%w: %q", ErrInvalidNickname, nickname)
	}
	for _, r := range nickname {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidNickname, nickname)
		}
	}
	return nil
}
