package metafs

import (
	"net/url"
	"os"
	"regexp"
	"strings"
)

// TokenAuth selects where {{VAR}} placeholders in a resource URL are
// filled from.
type TokenAuth string

const (
	// TokenAuthAsk fills placeholders from caller-supplied values.
	TokenAuthAsk TokenAuth = "ask"
	// TokenAuthEnv fills placeholders from the process environment.
	TokenAuthEnv TokenAuth = "env"
	// TokenAuthNone leaves placeholders untouched.
	TokenAuthNone TokenAuth = "none"
)

var tokenPattern = regexp.MustCompile(`\{\{(\S+?)\}\}`)

// URLTokens returns the placeholder names in rawURL, in order of appearance.
func URLTokens(rawURL string) []string {
	matches := tokenPattern.FindAllStringSubmatch(rawURL, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, m[1])
	}
	return tokens
}

// SubstituteTokens replaces each {{VAR}} whose name is in values with the
// escaped value. Placeholders without a value are left in place and
// reported in missing.
//
// Values inside the userinfo are fully escaped so they cannot change the
// host. Elsewhere they are escaped as a path, keeping '/'.
func SubstituteTokens(rawURL string, values map[string]string) (result string, missing []string) {
	return substitute(rawURL, values, true)
}

// SubstituteEnv fills placeholders from the process environment. Values are
// inserted verbatim: an operator-set HOME=/srv/lab turns osfs://{{HOME}}
// into osfs:///srv/lab.
func SubstituteEnv(rawURL string) (string, []string) {
	values := make(map[string]string)
	for _, name := range URLTokens(rawURL) {
		if v, ok := os.LookupEnv(name); ok {
			values[name] = v
		}
	}
	return substitute(rawURL, values, false)
}

func substitute(rawURL string, values map[string]string, escape bool) (string, []string) {
	userinfoEnd := userinfoEnd(rawURL)

	var b strings.Builder
	last := 0
	for _, loc := range tokenPattern.FindAllStringSubmatchIndex(rawURL, -1) {
		b.WriteString(rawURL[last:loc[0]])
		last = loc[1]

		v, ok := values[rawURL[loc[2]:loc[3]]]
		switch {
		case !ok:
			b.WriteString(rawURL[loc[0]:loc[1]])
		case !escape:
			b.WriteString(v)
		case loc[0] < userinfoEnd:
			b.WriteString(escapeUserinfo(v))
		default:
			b.WriteString(escapePath(v))
		}
	}
	b.WriteString(rawURL[last:])

	result := b.String()
	return result, URLTokens(result)
}

// userinfoEnd returns the offset of the '@' closing the userinfo of rawURL,
// or -1 when there is none.
func userinfoEnd(rawURL string) int {
	i := strings.Index(rawURL, "://")
	if i < 0 {
		return -1
	}
	authority := rawURL[i+3:]
	if end := strings.IndexAny(authority, "/?#"); end >= 0 {
		authority = authority[:end]
	}
	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return -1
	}
	return i + 3 + at
}

// escapeUserinfo percent-encodes every reserved character, including ':',
// '@' and '/'.
func escapeUserinfo(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// escapePath escapes v as a path, leaving '/' intact.
func escapePath(v string) string {
	return strings.ReplaceAll(url.PathEscape(v), "%2F", "/")
}

// ResolveURL applies the substitution selected by auth.
func ResolveURL(rawURL string, auth TokenAuth, tokens map[string]string) (string, []string) {
	switch auth {
	case TokenAuthEnv:
		return SubstituteEnv(rawURL)
	case TokenAuthNone:
		return rawURL, URLTokens(rawURL)
	default:
		return SubstituteTokens(rawURL, tokens)
	}
}
