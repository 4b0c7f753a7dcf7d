package report

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"time"

	"ppewatch/internal/analysis"
	"ppewatch/internal/validator"
)

// Document is everything that goes into the rendered incident report
type Document struct {
	ReportID       string
	Timestamp      time.Time
	CameraID       string
	Severity       string
	PersonCount    int
	ViolationCount int
	Missing        []string
	Caption        string
	Validation     *validator.Result
	Analysis       *analysis.Analysis
	Backend        string
	Degraded       bool
	Warnings       []string
	Original       []byte
	Annotated      []byte
}

var documentTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"jpeg": func(b []byte) template.URL {
		return template.URL("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(b))
	},
	"pct": func(f float64) string {
		return fmt.Sprintf("%.0f%%", f*100)
	},
	"rfc3339": func(t time.Time) string {
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>PPE incident {{.ReportID}}</title>
<style>
body{font-family:sans-serif;margin:2em;color:#222}
.sev{display:inline-block;padding:.2em .6em;border-radius:4px;color:#fff;background:#c33}
.sev.MEDIUM{background:#d80}.sev.LOW{background:#888}.sev.CRITICAL{background:#700}
table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.3em .6em;text-align:left}
img{max-width:48%;margin-right:1%}
.warn{color:#a60}
</style>
</head>
<body>
<h1>PPE incident report</h1>
<p><span class="sev {{.Severity}}">{{.Severity}}</span> {{rfc3339 .Timestamp}}{{if .CameraID}} &middot; camera {{.CameraID}}{{end}}</p>
<table>
<tr><th>Report id</th><td>{{.ReportID}}</td></tr>
<tr><th>Persons</th><td>{{.PersonCount}}</td></tr>
<tr><th>Violating persons</th><td>{{.ViolationCount}}</td></tr>
<tr><th>Missing equipment</th><td>{{range $i, $m := .Missing}}{{if $i}}, {{end}}{{$m}}{{end}}</td></tr>
</table>
{{if or .Original .Annotated}}<h2>Frame</h2>
<p>{{if .Original}}<img src="{{jpeg .Original}}" alt="original frame">{{end}}{{if .Annotated}}<img src="{{jpeg .Annotated}}" alt="annotated frame">{{end}}</p>{{end}}
<h2>Scene description</h2>
{{if .Caption}}<p>{{.Caption}}</p>{{else}}<p class="warn">No scene description available.</p>{{end}}
{{with .Validation}}<p>Agreement with detector: {{pct .Confidence}}{{if not .IsValid}} (contradicts detections){{end}}</p>
{{if .Contradictions}}<ul>{{range .Contradictions}}<li>{{.}}</li>{{end}}</ul>{{end}}{{end}}
{{with .Analysis}}<h2>Analysis</h2>
<p>{{.Summary}}</p>
{{if .Hazards}}<h3>Hazards</h3><ul>{{range .Hazards}}<li><strong>{{.Type}}</strong>{{if .Severity}} ({{.Severity}}){{end}}: {{.Description}}</li>{{end}}</ul>{{end}}
{{if .Actions}}<h3>Actions</h3><ol>{{range .Actions}}<li>{{.}}</li>{{end}}</ol>{{end}}
{{if .ComplianceStatus}}<p>Compliance: {{.ComplianceStatus}}{{if .RiskLevel}} &middot; risk {{.RiskLevel}}{{end}}</p>{{end}}{{end}}
<p><small>Analysis by {{if .Backend}}{{.Backend}}{{else}}verdict only{{end}}{{if .Degraded}} (degraded){{end}}</small></p>
{{if .Warnings}}<h2>Warnings</h2><ul class="warn">{{range .Warnings}}<li>{{.}}</li>{{end}}</ul>{{end}}
</body>
</html>
`))

// Render produces the HTML report document
func Render(doc Document) ([]byte, error) {
	if doc.ReportID == "" {
		return nil, fmt.Errorf("render report: missing report id")
	}
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}
