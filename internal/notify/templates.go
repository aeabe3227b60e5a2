package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

// StageChange describes a workflow stage transition of one document.
type StageChange struct {
	Tenant        string
	Collection    string
	ItemID        string
	DocumentName  string
	PreviousStage any
	Stage         any
	Actor         string
	Link          string
}

var (
	standardTemplate  = template.Must(template.New("standard").Parse(standardStageTemplate))
	mandatoryTemplate = template.Must(template.New("mandatory").Parse(mandatoryStageTemplate))
)

// RenderStageChange renders the opt-in watcher body, or the body for mandatory
// watchers when mandatory is set.
func RenderStageChange(change StageChange, mandatory bool) (string, error) {
	tmpl := standardTemplate
	if mandatory {
		tmpl = mandatoryTemplate
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, change); err != nil {
		return "", fmt.Errorf("render %s stage template: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

const stageStyles = `
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .stage { font-weight: bold; color: #0066cc; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>`

const standardStageTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.DocumentName}} moved to a new stage</title>` + stageStyles + `
</head>
<body>
    <h2>{{.DocumentName}}</h2>
    <p>A {{.Collection}} you are watching moved from <span class="stage">{{.PreviousStage}}</span> to <span class="stage">{{.Stage}}</span>{{if .Actor}} by {{.Actor}}{{end}}.</p>
    {{if .Link}}<p><a href="{{.Link}}" class="button">Open document</a></p>{{end}}
    <div class="footer">
        <p>You receive this message because you chose to watch this document.</p>
    </div>
</body>
</html>`

const mandatoryStageTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Action may be required: {{.DocumentName}}</title>` + stageStyles + `
</head>
<body>
    <h2>{{.DocumentName}}</h2>
    <p>A {{.Collection}} assigned to you moved from <span class="stage">{{.PreviousStage}}</span> to <span class="stage">{{.Stage}}</span>{{if .Actor}} by {{.Actor}}{{end}}.</p>
    <p>You are listed as a required participant, so this stage may need your attention.</p>
    {{if .Link}}<p><a href="{{.Link}}" class="button">Review document</a></p>{{end}}
    <div class="footer">
        <p>You receive this message because you are a required participant on this document.</p>
    </div>
</body>
</html>`
