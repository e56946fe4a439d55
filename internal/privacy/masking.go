package privacy

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"spacechat/internal/constants"
)

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	return maskString(userID, constants.DefaultIDMaskLength)
}

// MaskToken masks an auth credential, keeping only a short prefix for correlation
// Example: "eyJhbGciOiJIUzI1NiJ9.payload.sig" -> "eyJhbG…(32)"
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= constants.DefaultTokenMaskLength*2 {
		return strings.Repeat("*", len(token))
	}
	return token[:constants.DefaultTokenMaskLength] + "…(" + strconv.Itoa(len(token)) + ")"
}

// MaskMessageID masks a message identifier. Local placeholder ids keep their prefix.
// Example: "temp-6f1c2a9e-0f7b" -> "temp-***********0f7b"
func MaskMessageID(messageID string) string {
	if strings.HasPrefix(messageID, constants.LocalMessageIDPrefix) {
		rest := strings.TrimPrefix(messageID, constants.LocalMessageIDPrefix)
		return constants.LocalMessageIDPrefix + maskString(rest, 4)
	}
	return maskString(messageID, 4)
}

// MaskContent hides a message body, reporting only its length
func MaskContent(content string) string {
	if content == "" {
		return ""
	}
	return "[hidden:" + strconv.Itoa(utf8.RuneCountInString(content)) + "]"
}

// Preview shortens a message body for notifications
func Preview(content string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	return string(runes[:limit]) + "..."
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "user_id", "sender_id", "peer_id", "self_id":
			masked[k] = MaskUserID(s)
		case "token", "credential", "auth_token":
			masked[k] = MaskToken(s)
		case "message_id", "local_id":
			masked[k] = MaskMessageID(s)
		case "text", "message_text", "body":
			masked[k] = MaskContent(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
