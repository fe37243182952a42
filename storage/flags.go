package storage

import (
	"fmt"
	"strings"
)

// LocaleFlags is a bit set of content locales.
type LocaleFlags uint32

// Locales.
const (
	LocaleNone LocaleFlags = 0
	LocaleEnUS LocaleFlags = 0x2
	LocaleKoKR LocaleFlags = 0x4
	LocaleFrFR LocaleFlags = 0x10
	LocaleDeDE LocaleFlags = 0x20
	LocaleZhCN LocaleFlags = 0x40
	LocaleEsES LocaleFlags = 0x80
	LocaleZhTW LocaleFlags = 0x100
	LocaleEnGB LocaleFlags = 0x200
	LocaleEsMX LocaleFlags = 0x1000
	LocaleRuRU LocaleFlags = 0x2000
	LocalePtBR LocaleFlags = 0x4000
	LocaleItIT LocaleFlags = 0x8000
	LocalePtPT LocaleFlags = 0x10000
	LocaleAll  LocaleFlags = 0xFFFFFFFF
)

var localeNames = []struct {
	flag LocaleFlags
	name string
}{
	{LocaleEnUS, "enUS"},
	{LocaleKoKR, "koKR"},
	{LocaleFrFR, "frFR"},
	{LocaleDeDE, "deDE"},
	{LocaleZhCN, "zhCN"},
	{LocaleEsES, "esES"},
	{LocaleZhTW, "zhTW"},
	{LocaleEnGB, "enGB"},
	{LocaleEsMX, "esMX"},
	{LocaleRuRU, "ruRU"},
	{LocalePtBR, "ptBR"},
	{LocaleItIT, "itIT"},
	{LocalePtPT, "ptPT"},
}

// ParseLocale parses a locale name such as "enUS", "all" or "none".
// A '|' separated list yields the union.
func ParseLocale(s string) (LocaleFlags, error) {
	var out LocaleFlags
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		switch {
		case strings.EqualFold(part, "all"):
			out |= LocaleAll
			continue
		case strings.EqualFold(part, "none"):
			continue
		}
		found := false
		for _, l := range localeNames {
			if strings.EqualFold(part, l.name) {
				out |= l.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("storage: unknown locale %q", part)
		}
	}
	return out, nil
}

func (l LocaleFlags) String() string {
	switch l {
	case LocaleNone:
		return "none"
	case LocaleAll:
		return "all"
	}
	var parts []string
	rest := l
	for _, n := range localeNames {
		if l&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ContentFlags describes a file variant.
type ContentFlags uint32

// Content flags.
const (
	ContentNone ContentFlags = 0
	// ContentInstall marks files that belong to the base install.
	ContentInstall ContentFlags = 0x4
	// ContentAlternate marks override variants. They are active only when
	// flags are set with override enabled.
	ContentAlternate ContentFlags = 0x80
	ContentEncrypted ContentFlags = 0x8000000
	// ContentNoNameHash marks files addressed only by file id.
	ContentNoNameHash ContentFlags = 0x10000000
)
