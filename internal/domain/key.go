package domain

import (
	"errors"
	"strings"
)

const keySeparator = "#"

// ConversationKey identifies one debounce buffer. The zero value is invalid;
// construct keys with NewConversationKey.
type ConversationKey struct {
	TenantID string
	UserID   string
}

// NewConversationKey validates and trims the tenant and user identifiers.
func NewConversationKey(tenantID, userID string) (ConversationKey, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" {
		return ConversationKey{}, errors.New("domain: tenant id is required")
	}
	if userID == "" {
		return ConversationKey{}, errors.New("domain: user id is required")
	}
	if strings.Contains(tenantID, keySeparator) || strings.Contains(userID, keySeparator) {
		return ConversationKey{}, errors.New("domain: ids must not contain " + keySeparator)
	}
	return ConversationKey{TenantID: tenantID, UserID: userID}, nil
}

// String returns the store key, tenantId#userId.
func (k ConversationKey) String() string {
	return k.TenantID + keySeparator + k.UserID
}

// ParseConversationKey is the inverse of String.
func ParseConversationKey(s string) (ConversationKey, error) {
	tenantID, userID, ok := strings.Cut(s, keySeparator)
	if !ok {
		return ConversationKey{}, errors.New("domain: malformed conversation key")
	}
	return NewConversationKey(tenantID, userID)
}
