// Package output holds the typed objects the handlers produce and the
// HTML and JSON renderers. Clients asking for output_format=json get
// the raw object list; everything else gets a plain HTML page. Unknown
// object types must be treated as opaque by clients.
package output

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/ucphhpc/accountd/pkg/logger"
)

// Object is one typed output entry. The object_type key is always set.
type Object map[string]any

// Object type tags.
const (
	TypeTitle     = "title"
	TypeHeader    = "header"
	TypeText      = "text"
	TypeHTML      = "html_form"
	TypeError     = "error_text"
	TypeWarning   = "warning"
	TypeLink      = "link"
	TypeCountdown = "countdown"
)

func Title(text string) Object {
	return Object{"object_type": TypeTitle, "text": text}
}

func Header(text string) Object {
	return Object{"object_type": TypeHeader, "text": text}
}

func Text(text string) Object {
	return Object{"object_type": TypeText, "text": text}
}

func Error(text string) Object {
	return Object{"object_type": TypeError, "text": text}
}

func Warning(text string) Object {
	return Object{"object_type": TypeWarning, "text": text}
}

// HTML embeds a server-built markup fragment verbatim. Never pass
// client-supplied text.
func HTML(fragment string) Object {
	return Object{"object_type": TypeHTML, "text": fragment}
}

// Link renders as a plain anchor; destination is emitted verbatim so
// callers must only pass site-local or already validated URLs.
func Link(destination, text string) Object {
	return Object{"object_type": TypeLink, "destination": destination, "text": text}
}

// Countdown renders the throttle page: a JS driven countdown of seconds
// followed by a reload of returnURL without re-POST.
func Countdown(seconds int, returnURL string) Object {
	return Object{"object_type": TypeCountdown, "seconds": seconds, "return_url": returnURL}
}

// Format selects the response rendering.
type Format string

const (
	FormatHTML Format = "html"
	FormatJSON Format = "json"
)

// FormatFromRequest picks the format from the output_format query
// parameter, defaulting to HTML.
func FormatFromRequest(r *http.Request) Format {
	if r.URL.Query().Get("output_format") == string(FormatJSON) {
		return FormatJSON
	}
	return FormatHTML
}

// Render writes the object list to w in the requested format.
func Render(w http.ResponseWriter, format Format, status int, title string, objects []Object) {
	if format == FormatJSON {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(objects); err != nil {
			logger.Errorf("failed to encode output objects: %v", err)
		}
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	var page strings.Builder
	page.WriteString("<!DOCTYPE html>\n<html>\n<head><title>")
	page.WriteString(html.EscapeString(title))
	page.WriteString("</title></head>\n<body>\n")
	for _, obj := range objects {
		renderHTMLObject(&page, obj)
	}
	page.WriteString("</body>\n</html>\n")
	if _, err := w.Write([]byte(page.String())); err != nil {
		logger.Errorf("failed to write html output: %v", err)
	}
}

func objString(obj Object, key string) string {
	val, _ := obj[key].(string)
	return val
}

func renderHTMLObject(page *strings.Builder, obj Object) {
	switch obj["object_type"] {
	case TypeTitle:
		fmt.Fprintf(page, "<h1>%s</h1>\n", html.EscapeString(objString(obj, "text")))
	case TypeHeader:
		fmt.Fprintf(page, "<h2>%s</h2>\n", html.EscapeString(objString(obj, "text")))
	case TypeText:
		fmt.Fprintf(page, "<p>%s</p>\n", html.EscapeString(objString(obj, "text")))
	case TypeHTML:
		page.WriteString(objString(obj, "text"))
		page.WriteString("\n")
	case TypeError:
		fmt.Fprintf(page, "<p class=\"errortext\">%s</p>\n", html.EscapeString(objString(obj, "text")))
	case TypeWarning:
		fmt.Fprintf(page, "<p class=\"warningtext\">%s</p>\n", html.EscapeString(objString(obj, "text")))
	case TypeLink:
		fmt.Fprintf(page, "<p><a href=\"%s\">%s</a></p>\n",
			objString(obj, "destination"), html.EscapeString(objString(obj, "text")))
	case TypeCountdown:
		seconds, _ := obj["seconds"].(int)
		fmt.Fprintf(page, `<p>Too many requests. Please wait <span id="countdown">%d</span> seconds.</p>
<script>
var left = %d;
var timer = setInterval(function() {
  left -= 1;
  document.getElementById("countdown").textContent = left;
  if (left <= 0) {
    clearInterval(timer);
    window.location.replace(%q);
  }
}, 1000);
</script>
`, seconds, seconds, objString(obj, "return_url"))
	default:
		// Unknown types stay opaque: emit nothing rather than guessing.
		logger.Debugf("skipping unknown output object type %v", obj["object_type"])
	}
}
