// Package conversation maps an unordered pair of user ids to the id of the
// single conversation they share.
package conversation

import (
	"errors"
	"strings"
)

// Separator joins the two sorted uids. Identity provider uids must not
// contain it, see ValidateUid.
const Separator = "_"

var (
	ErrInvalidUid            = errors.New("invalid uid")
	ErrInvalidConversationId = errors.New("invalid conversation id")
)

// Resolve returns the conversation id shared by a and b. It is commutative:
// Resolve(a, b) == Resolve(b, a).
func Resolve(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// ValidateUid rejects uids that would make Resolve ambiguous.
func ValidateUid(uid string) error {
	if uid == "" || strings.Contains(uid, Separator) {
		return ErrInvalidUid
	}
	return nil
}

// Participants splits a conversation id back into its two uids.
func Participants(conversationId string) (string, string, error) {
	a, b, ok := strings.Cut(conversationId, Separator)
	if !ok || a == "" || b == "" || strings.Contains(b, Separator) {
		return "", "", ErrInvalidConversationId
	}
	return a, b, nil
}

// Includes reports whether uid is one of the two participants.
func Includes(conversationId, uid string) bool {
	a, b, err := Participants(conversationId)
	if err != nil {
		return false
	}
	return uid == a || uid == b
}
