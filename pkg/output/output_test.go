package output

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/logout", nil)
	assert.Equal(t, FormatHTML, FormatFromRequest(r))

	r = httptest.NewRequest("GET", "/logout?output_format=json", nil)
	assert.Equal(t, FormatJSON, FormatFromRequest(r))

	r = httptest.NewRequest("GET", "/logout?output_format=xml", nil)
	assert.Equal(t, FormatHTML, FormatFromRequest(r))
}

func TestRenderJSON(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	Render(w, FormatJSON, 200, "Renew access", []Object{
		Title("Renew access"),
		Text("Access renewed."),
	})

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var objects []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &objects))
	require.Len(t, objects, 2)
	assert.Equal(t, TypeTitle, objects[0]["object_type"])
	assert.Equal(t, "Access renewed.", objects[1]["text"])
}

func TestRenderHTMLEscapes(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	Render(w, FormatHTML, 200, "Account <action>", []Object{
		Error("bad <script> input"),
		Link("/cgi-bin/home.py", "Back to main page"),
	})

	body := w.Body.String()
	assert.Contains(t, body, "<title>Account &lt;action&gt;</title>")
	assert.Contains(t, body, "bad &lt;script&gt; input")
	assert.Contains(t, body, `<a href="/cgi-bin/home.py">Back to main page</a>`)
	assert.NotContains(t, body, "bad <script>")
}

func TestRenderCountdown(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	Render(w, FormatHTML, 429, "Throttled", []Object{
		Countdown(900, "/cgi-bin/home.py"),
	})

	body := w.Body.String()
	assert.Contains(t, body, `<span id="countdown">900</span>`)
	assert.Contains(t, body, "window.location.replace")
	assert.Contains(t, body, "/cgi-bin/home.py")
	assert.Equal(t, 429, w.Code)
}

func TestRenderSkipsUnknownTypes(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	Render(w, FormatHTML, 200, "Page", []Object{
		{"object_type": "future_widget", "text": "ignored"},
		Text("kept"),
	})

	body := w.Body.String()
	assert.NotContains(t, body, "ignored")
	assert.Contains(t, body, "kept")
}
