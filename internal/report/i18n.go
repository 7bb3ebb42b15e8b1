package report

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
)

// Language is a report locale code.
type Language string

const (
	LangEnglish Language = "en"
	LangTurkish Language = "tr"
)

var ErrUnsupportedLanguage = errors.New("report: unsupported language")

//go:embed *.json
var localeFS embed.FS

// aliases maps the spellings accepted from flags and requests to a locale.
var aliases = map[string]Language{
	"":        LangEnglish,
	"en":      LangEnglish,
	"en-us":   LangEnglish,
	"en-gb":   LangEnglish,
	"english": LangEnglish,
	"tr":      LangTurkish,
	"tr-tr":   LangTurkish,
	"turkish": LangTurkish,
	"türkçe":  LangTurkish,
	"turkce":  LangTurkish,
}

// catalogs holds every embedded locale keyed by file stem.
var catalogs = sync.OnceValue(func() map[Language]map[string]string {
	out := make(map[Language]map[string]string)
	files, err := fs.Glob(localeFS, "*.json")
	if err != nil {
		panic(fmt.Sprintf("report: list locales: %v", err))
	}
	for _, name := range files {
		data, err := localeFS.ReadFile(name)
		if err != nil {
			panic(fmt.Sprintf("report: read locale %s: %v", name, err))
		}
		strs := make(map[string]string)
		if err := json.Unmarshal(data, &strs); err != nil {
			panic(fmt.Sprintf("report: parse locale %s: %v", name, err))
		}
		out[Language(strings.TrimSuffix(name, path.Ext(name)))] = strs
	}
	return out
})

// Translator looks up report strings, falling back to English and then to
// the key itself.
type Translator struct {
	lang  Language
	chain []map[string]string
}

func NewTranslator(lang Language) Translator {
	all := catalogs()
	if _, ok := all[lang]; !ok {
		lang = LangEnglish
	}
	t := Translator{lang: lang, chain: []map[string]string{all[lang]}}
	if lang != LangEnglish {
		t.chain = append(t.chain, all[LangEnglish])
	}
	return t
}

func (t Translator) Lang() Language { return t.lang }

func (t Translator) T(key string) string {
	for _, strs := range t.chain {
		if v, ok := strs[key]; ok {
			return v
		}
	}
	return key
}

// Format treats the translated string as a fmt template.
func (t Translator) Format(key string, args ...any) string {
	return fmt.Sprintf(t.T(key), args...)
}

// ParseLanguage resolves a user supplied language name. Unknown names
// return English together with ErrUnsupportedLanguage.
func ParseLanguage(lang string) (Language, error) {
	if l, ok := aliases[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return l, nil
	}
	return LangEnglish, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
}
