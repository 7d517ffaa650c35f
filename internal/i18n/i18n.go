// Package i18n looks up user-facing messages in the embedded catalogs.
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/language"
)

const (
	English            = "en"
	TraditionalChinese = "zh-TW"
	Default            = English
)

//go:embed locales/*.json
var localeFS embed.FS

var supported = []string{English, TraditionalChinese}

var matcher = language.NewMatcher([]language.Tag{
	language.English,
	language.MustParse("zh-Hant-TW"),
})

var (
	loadOnce sync.Once
	catalogs map[string]map[string]string
	loadErr  error
)

var placeholderPattern = regexp.MustCompile(`\{(\d+)\}`)

// Supported returns the locale codes with a catalog, mapped to their
// display names.
func Supported() map[string]string {
	return map[string]string{
		English:            "English",
		TraditionalChinese: "繁體中文",
	}
}

// Match maps any BCP 47 tag to a supported locale; unknown or empty tags
// yield Default.
func Match(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Default
	}
	for _, code := range supported {
		if strings.EqualFold(tag, code) {
			return code
		}
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return Default
	}
	_, index, confidence := matcher.Match(parsed)
	if confidence == language.No || index < 0 || index >= len(supported) {
		return Default
	}
	return supported[index]
}

// Lookup returns the message for key in lang, falling back to Default and
// then to the key itself. "{n}" placeholders are replaced by args[n].
func Lookup(lang, key string, args ...any) string {
	if err := load(); err != nil {
		return key
	}
	message, ok := catalogs[Match(lang)][key]
	if !ok {
		message, ok = catalogs[Default][key]
	}
	if !ok {
		return key
	}
	return format(message, args...)
}

// DefaultCategoryNames are the categories a fresh install starts with.
func DefaultCategoryNames(lang string) []string {
	return []string{
		Lookup(lang, "defaultCategoryFavorites"),
		Lookup(lang, "defaultCategoryWork"),
		Lookup(lang, "defaultCategoryPersonal"),
	}
}

func format(message string, args ...any) string {
	if len(args) == 0 {
		return message
	}
	return placeholderPattern.ReplaceAllStringFunc(message, func(match string) string {
		index, err := strconv.Atoi(match[1 : len(match)-1])
		if err != nil || index >= len(args) {
			return match
		}
		return fmt.Sprint(args[index])
	})
}

func load() error {
	loadOnce.Do(func() {
		catalogs = make(map[string]map[string]string, len(supported))
		for _, code := range supported {
			data, err := localeFS.ReadFile("locales/" + code + ".json")
			if err != nil {
				loadErr = fmt.Errorf("read %s catalog: %w", code, err)
				return
			}
			messages := map[string]string{}
			if err := json.Unmarshal(data, &messages); err != nil {
				loadErr = fmt.Errorf("decode %s catalog: %w", code, err)
				return
			}
			catalogs[code] = messages
		}
	})
	return loadErr
}
