package tracking

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

var hrefAttr = regexp.MustCompile(`(?i)(<a\b[^>]*?\shref\s*=\s*)("([^"]*)"|'([^']*)')`)

var bodyClose = regexp.MustCompile(`(?i)</body\s*>`)

// ClickURL is the tracked form of target for communication id.
func ClickURL(baseURL, id, target string) string {
	return strings.TrimRight(baseURL, "/") + "/track/click?c=" + url.QueryEscape(id) + "&u=" + url.QueryEscape(target)
}

func OpenURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/track/open?c=" + url.QueryEscape(id)
}

// Instrument wraps every allowed anchor href through the click endpoint and
// adds the open pixel before </body>, or at the end when there is none.
func Instrument(body, id, baseURL string) string {
	if id == "" || baseURL == "" {
		return body
	}
	clickPrefix := strings.TrimRight(baseURL, "/") + "/track/click?"

	out := hrefAttr.ReplaceAllStringFunc(body, func(m string) string {
		sub := hrefAttr.FindStringSubmatch(m)
		raw := sub[3]
		if sub[3] == "" {
			raw = sub[4]
		}
		target, ok := ValidateRedirect(html.UnescapeString(raw))
		if !ok || strings.HasPrefix(target, clickPrefix) {
			return m
		}
		return sub[1] + `"` + html.EscapeString(ClickURL(baseURL, id, target)) + `"`
	})

	img := `<img src="` + html.EscapeString(OpenURL(baseURL, id)) + `" width="1" height="1" alt="" style="display:none" />`
	if loc := bodyClose.FindStringIndex(out); loc != nil {
		return out[:loc[0]] + img + out[loc[0]:]
	}
	return out + img
}
