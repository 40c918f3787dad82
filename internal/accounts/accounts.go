// Package accounts loads and validates the account list the session engine
// runs against. The list is read once at startup and treated as immutable.
package accounts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Account is one entry from the accounts file. Address is the lower-cased
// wallet address and acts as the unique key; DeviceHash identifies the
// device registered with the protection service.
type Account struct {
	Address    string
	DeviceHash int64
}

// ConfigError describes a rejected account entry. Rejections are logged and
// skipped; they never abort loading of the remaining entries.
type ConfigError struct {
	Index  int // 1-based position in the file
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("account %d: %s", e.Index, e.Reason)
}

// ErrNoAccounts is returned when the file yields no valid entries.
var ErrNoAccounts = fmt.Errorf("no valid accounts found")

// rawAccount mirrors the on-disk JSON shape. deviceHash arrives either as a
// number or a numeric string depending on which tool wrote the file.
type rawAccount struct {
	Address    string          `json:"Address"`
	DeviceHash json.RawMessage `json:"deviceHash"`
}

// Load reads the accounts file and returns the valid entries, preserving
// order. Invalid entries are dropped with a ConfigError logged per entry.
func Load(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return Parse(data)
}

// Parse validates a JSON account array. See Load.
func Parse(data []byte) ([]Account, error) {
	var raw []rawAccount
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("accounts file must contain a JSON array: %w", err)
	}

	valid := make([]Account, 0, len(raw))
	for i, r := range raw {
		acct, err := validate(i+1, r)
		if err != nil {
			slog.Warn("dropping invalid account entry",
				"index", i+1,
				"error", err,
			)
			continue
		}
		valid = append(valid, acct)
	}

	if len(valid) == 0 {
		return nil, ErrNoAccounts
	}
	return valid, nil
}

func validate(index int, r rawAccount) (Account, error) {
	address := strings.ToLower(strings.TrimSpace(r.Address))
	if !validAddress(address) {
		return Account{}, &ConfigError{Index: index, Reason: "invalid Ethereum address format"}
	}

	hash, err := coerceDeviceHash(r.DeviceHash)
	if err != nil {
		return Account{}, &ConfigError{Index: index, Reason: err.Error()}
	}

	return Account{Address: address, DeviceHash: hash}, nil
}

// validAddress requires "0x" followed by exactly 40 hex characters.
func validAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// coerceDeviceHash accepts a JSON number or a numeric string.
func coerceDeviceHash(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("deviceHash must be numeric")
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v, nil
		}
	}

	return 0, fmt.Errorf("deviceHash must be numeric")
}
