// password.go

// Argon2id password hashing and verification, plus input validation for
// the fields that travel with credentials (email, handle, profile fields).
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	netmail "net/mail"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	argonSaltLen = 16
	argonTime    = uint32(3)
	argonMemory  = uint32(64 * 1024)
	argonThreads = uint8(2)
	argonKeyLen  = uint32(32)
)

// HashPassword returns PHC-formatted Argon2id hash of plaintext password.
// Format: $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
func HashPassword(password string) (string, error) {
	// Gen 16-byte random salt
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks plaintext password against a stored hash.
// Argon2id params are read from the hash so old passwords verify after param changes.
// Legacy bcrypt hashes ($2a$/$2b$/$2y$) are accepted too.
// Any malformed hash yields false; never returns an error.
func VerifyPassword(password, encodedHash string) bool {
	if isBcrypt(encodedHash) {
		return bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password)) == nil
	}

	p, ok := decodeArgon2id(encodedHash)
	if !ok {
		return false
	}

	// Re-derive hash with extracted params
	hash := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))

	// Compare w/ constant time for timing attacks
	return subtle.ConstantTimeCompare(hash, p.key) == 1
}

// NeedsRehash reports whether a stored hash should be replaced with a fresh
// Argon2id hash at current params. Called after a successful login.
func NeedsRehash(encodedHash string) bool {
	p, ok := decodeArgon2id(encodedHash)
	if !ok {
		return true
	}
	return p.memory != argonMemory || p.time != argonTime || p.threads != argonThreads
}

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

// decodeArgon2id splits a PHC string.
// Format: $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
func decodeArgon2id(encodedHash string) (argon2Params, bool) {
	var p argon2Params

	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, false
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, false
	}
	// argon2.IDKey panics on zero time or threads.
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return p, false
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, false
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 {
		return p, false
	}
	return p, true
}

func isBcrypt(h string) bool {
	return strings.HasPrefix(h, "$2a$") || strings.HasPrefix(h, "$2b$") || strings.HasPrefix(h, "$2y$")
}

// fallbackDummyHash stands in when salt generation fails. Its salt and key
// must decode, otherwise VerifyPassword rejects it before deriving anything.
const fallbackDummyHash = "$argon2id$v=19$m=65536,t=3,p=2$YWJjZGVmZ2hpamtsbW5vcA$kC6C6jqLzC0JLlJgXhHbKMhLLpVvLJLLQw/IqT9ZYPU"

// dummyHash is verified when a login identity does not exist, so both
// paths pay for one Argon2id derivation. Computed once, on first use.
var dummyHash = sync.OnceValue(func() string {
	h, err := HashPassword("dummy-password-for-timing")
	if err != nil {
		return fallbackDummyHash
	}
	return h
})

// --- Field validation ---

const (
	passwordMinRunes = 8
	// Argon2id DoS guard.
	passwordMaxBytes = 255
	handleMinLen     = 3
	handleMaxLen     = 100
	fullNameMaxLen   = 255
)

// ValidateEmail checks format and length constraints; returns error message or empty string.
// RFC 5321: min ~5 chars (a@b.c), max 254.
func ValidateEmail(email string) string {
	if email == "" {
		return "No email provided"
	}
	emailLen := len(email)
	if emailLen < 5 {
		return "Email too short!"
	}
	if emailLen > 254 {
		return "Email too long!"
	}
	addr, err := netmail.ParseAddress(email)
	// ParseAddress accepts "Name <a@b.c>"; only bare addresses are allowed.
	if err != nil || addr.Address != email {
		return "Invalid email format"
	}
	return ""
}

// NormalizeEmail trims and lower-cases an email before validation and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidatePassword checks length constraints; returns error message or empty string.
func ValidatePassword(password string) string {
	// min 8 chars (user-perceived), max 255 bytes
	if password == "" {
		return "No password provided!"
	}
	if utf8.RuneCountInString(password) < passwordMinRunes {
		return "Password too short!"
	}
	if len(password) > passwordMaxBytes {
		return "Password too long!"
	}
	return ""
}

// ValidateHandle checks a username: 3-100 chars of letters, digits, '_', '.', '-'.
func ValidateHandle(handle string) string {
	if handle == "" {
		return "No username provided"
	}
	if len(handle) < handleMinLen {
		return "Username too short!"
	}
	if len(handle) > handleMaxLen {
		return "Username too long!"
	}
	for _, c := range handle {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '.', c == '-':
		default:
			return "Username may only contain letters, digits, '_', '.' and '-'"
		}
	}
	return ""
}

// ValidateFullName checks the optional display name.
func ValidateFullName(name string) string {
	if utf8.RuneCountInString(name) > fullNameMaxLen {
		return "Full name too long!"
	}
	return ""
}

// ValidateTheme accepts light, dark or system.
func ValidateTheme(theme string) string {
	switch theme {
	case "light", "dark", "system":
		return ""
	case "":
		return "No theme provided"
	}
	return "Theme must be one of light, dark, system"
}
