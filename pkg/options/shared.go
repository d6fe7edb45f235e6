package options

import (
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"
)

const (
	passwordKey     = "password"
	passwordHashKey = "passwordHash"
)

// Shared flattens the scalar settings of global into the config handed to plugin workers.
// The raw password never leaves the process: workers get the configured passwordHash,
// or the blake3 hash of the password when no hash is configured.
func Shared(global *OptionValue) map[string]interface{} {
	shared := map[string]interface{}{}

	var children map[string]*OptionValue
	if global != nil {
		children, _ = global.Value.(map[string]*OptionValue)
	}

	for key, value := range children {
		if key == passwordKey || key == passwordHashKey || !value.IsSet() {
			continue
		}

		switch v := value.Value.(type) {
		case string, bool, int, int64, uint64, float64:
			shared[key] = v
		case time.Duration:
			shared[key] = v.String()
		}
	}

	if hash := global.GetDefault(passwordHashKey, nil).String(); hash != "" {
		shared[passwordKey] = hash
	} else if password := global.GetDefault(passwordKey, nil).String(); password != "" {
		shared[passwordKey] = HashPassword(password)
	}

	return shared
}

func HashPassword(password string) string {
	sum := blake3.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
