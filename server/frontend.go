package server

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/callosumhq/callosum"
)

// statusPage is the root HTML view: the rule-file description, active
// locks, recent context activity, and the journal tail.
var statusPage = template.Must(template.New("status").Funcs(template.FuncMap{
	"since": func(t time.Time) string {
		d := time.Since(t)
		if d < 0 {
			d = 0
		}
		return d.Round(time.Second).String()
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Callosum</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; color: #222; }
h1 { font-size: 1.3rem; }
h2 { font-size: 1rem; margin-top: 2rem; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 0.3rem 0.8rem 0.3rem 0; border-bottom: 1px solid #ddd; font-size: 0.85rem; }
.desc { max-width: 60rem; color: #444; }
.empty { color: #999; }
.blocked { color: #b00; }
</style>
</head>
<body>
<h1>Callosum coordination gate</h1>
{{if .Description}}<div class="desc">{{.Description}}</div>{{end}}

<h2>Active locks ({{len .Status.Locks}})</h2>
{{if .Status.Locks}}<table>
<tr><th>Context key</th><th>Instance</th><th>Tier</th><th>Held for</th><th>Expires in</th></tr>
{{range .Status.Locks}}<tr>
<td>{{.ContextKey}}</td><td>{{.Instance}}</td><td>{{.Tier}}</td>
<td>{{since .AcquiredAt}}</td><td>{{.ExpiresAt.Format "15:04:05"}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">none</p>{{end}}

<h2>Recent context activity ({{len .Status.RecentContexts}})</h2>
{{if .Status.RecentContexts}}<table>
<tr><th>Context key</th><th>Instance</th><th>Tier</th><th>Tool</th><th>When</th></tr>
{{range .Status.RecentContexts}}<tr>
<td>{{.ContextKey}}</td><td>{{.Instance}}</td><td>{{.Tier}}</td><td>{{.Tool}}</td>
<td>{{since .Timestamp}} ago</td>
</tr>{{end}}
</table>{{else}}<p class="empty">none</p>{{end}}

<h2>Journal tail</h2>
{{if .Status.Journal}}<table>
<tr><th>When</th><th>Instance</th><th>Tool</th><th>Tier</th><th>Action</th><th>Context key</th><th>Note</th></tr>
{{range .Status.Journal}}<tr{{if eq .Action "blocked"}} class="blocked"{{end}}>
<td>{{.Timestamp.Format "15:04:05"}}</td><td>{{.Instance}}</td><td>{{.Tool}}</td>
<td>{{.Tier}}</td><td>{{.Action}}</td><td>{{.ContextKey}}</td><td>{{.Note}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">empty</p>{{end}}
</body>
</html>
`))

// notePolicy strips all markup from journal notes; they render as text.
var notePolicy = bluemonday.StrictPolicy()

// descPolicy allows the usual user-generated-content tags in the rendered
// rule-file description.
var descPolicy = bluemonday.UGCPolicy()

type statusPageData struct {
	Description template.HTML
	Status      *statusView
}

// statusView wraps the gate status with sanitized journal notes.
type statusView struct {
	Locks          []lockView
	RecentContexts []contextView
	Journal        []journalView
}

type lockView struct {
	ContextKey, Instance, Tier string
	AcquiredAt, ExpiresAt      time.Time
}

type contextView struct {
	ContextKey, Instance, Tier, Tool string
	Timestamp                        time.Time
}

type journalView struct {
	Timestamp                                      time.Time
	Instance, Tool, Tier, Action, ContextKey, Note string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	st, err := s.gate.Status(r.Context(), "")
	if err != nil {
		http.Error(w, "status unavailable: "+err.Error(), http.StatusInternalServerError)
		return
	}

	data := &statusPageData{
		Description: renderDescription(s.gate.RuleDescription()),
		Status:      buildStatusView(st),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage.Execute(w, data); err != nil {
		s.logError("status page render failed", "error", err)
	}
}

// renderDescription converts the rule file's markdown description to
// sanitized HTML.
func renderDescription(md string) template.HTML {
	if md == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		// Fall back to the raw text, escaped by the template.
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(descPolicy.SanitizeBytes(buf.Bytes()))
}

func buildStatusView(st *callosum.Status) *statusView {
	v := &statusView{}
	for _, l := range st.Locks {
		v.Locks = append(v.Locks, lockView{
			ContextKey: l.ContextKey,
			Instance:   l.Instance,
			Tier:       l.Tier.String(),
			AcquiredAt: l.AcquiredAt,
			ExpiresAt:  l.ExpiresAt,
		})
	}
	for _, c := range st.RecentContexts {
		v.RecentContexts = append(v.RecentContexts, contextView{
			ContextKey: c.ContextKey,
			Instance:   c.Instance,
			Tier:       c.Tier.String(),
			Tool:       c.Tool,
			Timestamp:  c.Timestamp,
		})
	}
	for _, e := range st.Journal {
		v.Journal = append(v.Journal, journalView{
			Timestamp:  e.Timestamp,
			Instance:   e.Instance,
			Tool:       e.Tool,
			Tier:       e.Tier.String(),
			Action:     string(e.Action),
			ContextKey: e.ContextKey,
			Note:       notePolicy.Sanitize(e.ConflictNote),
		})
	}
	return v
}
