package stepconf

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "SHEETUPLOAD"

// EnvName returns the environment variable overriding key,
// e.g. destination.sheetName -> SHEETUPLOAD_DESTINATION_SHEET_NAME.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	b.WriteByte('_')

	prev := rune(0)
	for _, r := range key {
		switch {
		case r == '.':
			b.WriteByte('_')
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
		prev = r
	}

	return b.String()
}

// readSecrets loads a dotenv file. A missing file is not an error.
func readSecrets(pth string) (map[string]string, error) {
	if pth == "" {
		return nil, nil
	}
	if _, err := os.Stat(pth); os.IsNotExist(err) {
		return nil, nil
	}

	secrets, err := godotenv.Read(pth)
	if err != nil {
		return nil, fmt.Errorf("read secrets file %s: %w", pth, err)
	}
	return secrets, nil
}

// overlay sets every known key present in values, keyed by its environment variable name.
func overlay(v *viper.Viper, values func(name string) string) {
	for _, key := range keys {
		if value := values(EnvName(key)); value != "" {
			v.Set(key, value)
		}
	}
}

func fromMap(m map[string]string) func(string) string {
	return func(name string) string {
		return m[name]
	}
}

func fromRepository(repo env.Repository) func(string) string {
	return repo.Get
}
