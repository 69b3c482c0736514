// Package export renders chat transcripts into standalone HTML documents,
// with assistant markdown converted to formatted output.
package export

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/ragkit/ragchat/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

var pageTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
.message { margin: 1rem 0; padding: 0.75rem 1rem; border-radius: 0.5rem; }
.user { background: #eef2ff; }
.assistant { background: #f5f5f5; }
.error { background: #fef2f2; }
.meta { font-size: 0.8rem; color: #666; margin-bottom: 0.25rem; }
pre { overflow-x: auto; padding: 0.5rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Messages}}<div class="message {{.Class}}">
<div class="meta">{{.Sender}} &middot; {{.Timestamp}}</div>
{{.Body}}
</div>
{{end}}</body>
</html>
`))

type pageData struct {
	Title    string
	Messages []messageData
}

type messageData struct {
	Sender    string
	Timestamp string
	Class     string
	Body      template.HTML
}

// WriteHTML renders the transcript of one session to w. Assistant messages
// are treated as markdown with syntax-highlighted code blocks; user messages
// are rendered verbatim.
func WriteHTML(w io.Writer, session models.Session, messages []models.Message) error {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
			),
		),
	)

	data := pageData{Title: session.DisplayTitle()}
	for _, msg := range messages {
		body, err := renderBody(md, msg)
		if err != nil {
			return fmt.Errorf("failed to render message %d: %w", msg.ID, err)
		}

		class := string(msg.Sender)
		if msg.IsError {
			class = "error"
		}
		data.Messages = append(data.Messages, messageData{
			Sender:    string(msg.Sender),
			Timestamp: msg.Timestamp.Format(time.RFC3339),
			Class:     class,
			Body:      body,
		})
	}

	return pageTemplate.Execute(w, data)
}

func renderBody(md goldmark.Markdown, msg models.Message) (template.HTML, error) {
	if msg.Sender != models.SenderAssistant {
		var buf bytes.Buffer
		template.HTMLEscape(&buf, []byte(msg.Text))
		return template.HTML("<p>" + buf.String() + "</p>"), nil
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(msg.Text), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
