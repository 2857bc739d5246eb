// Package headers expands additional-header templates against the
// request context.
package headers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/oto-proxy/oto/internal/config"
	"github.com/oto-proxy/oto/internal/seccom"
)

var refPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.\-]+)\}`)

// Context holds the values the template language can reference.
type Context struct {
	ApiKey  *config.ApiKey
	User    *seccom.UserInfo
	Request *http.Request
}

// Expand resolves every ${...} reference in the template. Unresolved
// references expand to the empty string.
func Expand(template string, ctx Context) string {
	return refPattern.ReplaceAllStringFunc(template, func(match string) string {
		ref := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return resolve(ref, ctx)
	})
}

func resolve(ref string, ctx Context) string {
	switch {
	case ref == "apikey.name":
		if ctx.ApiKey != nil {
			return ctx.ApiKey.ClientName
		}
	case ref == "apikey.clientId":
		if ctx.ApiKey != nil {
			return ctx.ApiKey.ClientID
		}
	case strings.HasPrefix(ref, "apikey.metadata."):
		if ctx.ApiKey != nil {
			return ctx.ApiKey.Metadata[strings.TrimPrefix(ref, "apikey.metadata.")]
		}
	case ref == "user.name":
		if ctx.User != nil {
			return ctx.User.Name
		}
	case ref == "user.email":
		if ctx.User != nil {
			return ctx.User.Email
		}
	case strings.HasPrefix(ref, "req.header."):
		if ctx.Request != nil {
			return ctx.Request.Header.Get(strings.TrimPrefix(ref, "req.header."))
		}
	case strings.HasPrefix(ref, "req.query."):
		if ctx.Request != nil {
			return ctx.Request.URL.Query().Get(strings.TrimPrefix(ref, "req.query."))
		}
	}
	return ""
}

// Apply expands and sets every configured additional header on the
// outbound request. Headers expanding to empty are still set, matching
// an explicit empty configuration.
func Apply(out http.Header, additional map[string]string, ctx Context) {
	for name, template := range additional {
		out.Set(name, Expand(template, ctx))
	}
}
