package orchestrator

import (
	"bytes"
	"text/template"
	"time"

	"github.com/codefionn/bizpilot/internal/llm"
	"github.com/codefionn/bizpilot/internal/permission"
	"github.com/codefionn/bizpilot/internal/schema"
)

const systemPromptTemplate = `Tu es bizpilot, l'assistant de gestion d'une petite entreprise : clients, affaires, missions, devis, factures et tâches.
Date du jour : {{ .CurrentDate }}.

## Règles
- Réponds en français, de façon brève et concrète.
- Utilise les outils pour lire ou modifier les données. N'invente jamais un identifiant, un numéro de facture ou un montant.
- Quand une action est faite, confirme-la en une phrase en reprenant le nom ou le numéro de l'élément.
- S'il manque une information indispensable, pose une seule question précise.
{{- if eq .Mode "plan" }}

## Mode plan
- Tu peux consulter les données mais tu ne dois rien créer ni modifier.
- Propose un plan d'actions numéroté que l'utilisateur pourra valider.
{{- else if eq .Mode "ask-first" }}

## Mode confirmation
- Chaque action qui modifie les données sera soumise à l'utilisateur avant exécution.
- Propose directement l'appel d'outil adapté ; la confirmation est gérée par l'application.
{{- end }}
{{- if .Context }}

## Élément ouvert
L'utilisateur consulte l'élément {{ .Context.Type }} (id : {{ .Context.ID }}). Les demandes sans précision le concernent.
{{- end }}
{{- if .Tools }}

## Outils disponibles
{{- range .Tools }}
- {{ . }}
{{- end }}
{{- end }}
`

// retryInstruction is appended after a reply that declined to act.
const retryInstruction = "Utilise les outils disponibles pour traiter cette demande au lieu d'indiquer que tu ne peux pas le faire."

var systemPrompt = template.Must(template.New("systemPrompt").Parse(systemPromptTemplate))

type systemPromptData struct {
	CurrentDate string
	Mode        permission.Mode
	Context     *schema.ContextRef
	Tools       []string
}

func (c *Controller) buildSystemPrompt(req *schema.Request) (string, error) {
	specs := c.registry.Specs()
	toolLines := make([]string, 0, len(specs))
	for _, spec := range specs {
		toolLines = append(toolLines, spec.Name+" : "+spec.Description)
	}

	data := systemPromptData{
		CurrentDate: c.now().Format(time.DateOnly),
		Mode:        req.Mode,
		Context:     req.Context,
		Tools:       toolLines,
	}

	var buf bytes.Buffer
	if err := systemPrompt.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// buildMessages assembles system prompt, history and the new user message.
func (c *Controller) buildMessages(req *schema.Request) ([]llm.Message, error) {
	system, err := c.buildSystemPrompt(req)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, turn := range req.History {
		role := llm.RoleUser
		if turn.Role == schema.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message})
	return messages, nil
}
