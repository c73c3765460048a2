package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/codefionn/bizpilot/internal/schema"
	"github.com/codefionn/bizpilot/internal/tools"
)

// Tool names of the default catalogue.
const (
	ToolListClients     = "list_clients"
	ToolSearchClients   = "search_clients"
	ToolGetClient       = "get_client"
	ToolListDeals       = "list_deals"
	ToolListInvoices    = "list_invoices"
	ToolListQuotes      = "list_quotes"
	ToolListTasks       = "list_tasks"
	ToolOpenEntity      = "open_entity"
	ToolCreateClient    = "create_client"
	ToolCreateDeal      = "create_deal"
	ToolCreateMission   = "create_mission"
	ToolCreateQuote     = "create_quote"
	ToolCreateInvoice   = "create_invoice"
	ToolMarkInvoicePaid = "mark_invoice_paid"
	ToolCreateTask      = "create_task"
	ToolCompleteTask    = "complete_task"
)

const (
	listLimit          = 20
	defaultPaymentDays = 30
)

const datePattern = `^\d{4}-\d{2}-\d{2}$`

type toolFunc func(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error)

type entry struct {
	spec tools.Spec
	fn   toolFunc
}

// Register adds every tool of the default catalogue to r.
func (s *Store) Register(r *tools.Registry) error {
	for _, e := range s.catalogue() {
		fn := e.fn
		handler := tools.HandlerFunc(func(ctx context.Context, userID, toolName string, args map[string]any) (json.RawMessage, error) {
			res, err := fn(ctx, userID, args)
			if err != nil {
				return nil, err
			}
			return res.Encode(), nil
		})
		if err := r.Register(e.spec, handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", e.spec.Name, err)
		}
	}
	return nil
}

func str(opts ...func(*openapi3.Schema) *openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewStringSchema()
	for _, opt := range opts {
		s = opt(s)
	}
	return s
}

func described(desc string) func(*openapi3.Schema) *openapi3.Schema {
	return func(s *openapi3.Schema) *openapi3.Schema {
		s.Description = desc
		return s
	}
}

func nonEmpty(s *openapi3.Schema) *openapi3.Schema { return s.WithMinLength(1) }

func date(s *openapi3.Schema) *openapi3.Schema { return s.WithPattern(datePattern) }

func amount(desc string) *openapi3.Schema {
	s := openapi3.NewFloat64Schema().WithMin(0)
	s.Description = desc
	return s
}

func (s *Store) catalogue() []entry {
	clientRef := str(nonEmpty, described("Nom ou identifiant du client"))
	limit := openapi3.NewIntegerSchema().WithMin(1).WithMax(100)

	return []entry{
		{
			spec: tools.Spec{
				Name: ToolListClients, Description: "Liste les clients", ReadOnly: true, StepLabel: "Clients consultés",
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{"limit": limit}),
			},
			fn: s.listClients,
		},
		{
			spec: tools.Spec{
				Name: ToolSearchClients, Description: "Recherche des clients par nom, société ou e-mail", ReadOnly: true, StepLabel: "Clients recherchés",
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{"query": str(nonEmpty)}, "query"),
			},
			fn: s.searchClients,
		},
		{
			spec: tools.Spec{
				Name: ToolGetClient, Description: "Affiche la fiche d'un client", ReadOnly: true, StepLabel: "Fiche client consultée",
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{"client": clientRef}, "client"),
			},
			fn: s.getClient,
		},
		{
			spec: tools.Spec{
				Name: ToolListDeals, Description: "Liste les affaires en cours", ReadOnly: true, StepLabel: "Affaires consultées",
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{"limit": limit}),
			},
			fn: s.listDeals,
		},
		{
			spec: tools.Spec{
				Name: ToolListInvoices, Description: "Liste les factures, éventuellement par statut", ReadOnly: true, StepLabel: "Factures consultées",
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"status": str().WithEnum(InvoiceUnpaid, InvoicePaid),
					"limit":  limit,
				}),
			},
			fn: s.listInvoices,
		},
		{
			spec: tools.Spec{
				Name: ToolListQuotes, Description: "Liste les devis", ReadOnly: true, StepLabel: "Devis consultés",
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{"limit": limit}),
			},
			fn: s.listQuotes,
		},
		{
			spec: tools.Spec{
				Name: ToolListTasks, Description: "Liste les tâches à faire", ReadOnly: true, StepLabel: "Tâches consultées",
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"includeDone": openapi3.NewBoolSchema(),
					"limit":       limit,
				}),
			},
			fn: s.listTasks,
		},
		{
			spec: tools.Spec{
				Name: ToolOpenEntity, Description: "Ouvre un élément dans un nouvel onglet", ReadOnly: true, StepLabel: "Onglet ouvert",
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"type": str().WithEnum(anySlice(EntityTypes())...),
					"id":   str(nonEmpty),
				}, "type", "id"),
			},
			fn: s.openEntity,
		},
		{
			spec: tools.Spec{
				Name: ToolCreateClient, Description: "Crée un client", EntityType: "clients",
				StepLabel: "Client créé", TitleRule: tools.TitleQuotedName,
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"name":    str(nonEmpty).WithMaxLength(200),
					"email":   str(),
					"phone":   str(),
					"company": str(),
				}, "name"),
			},
			fn: s.createClient,
		},
		{
			spec: tools.Spec{
				Name: ToolCreateDeal, Description: "Crée une affaire pour un client", EntityType: "deals",
				StepLabel: "Affaire créée", TitleRule: tools.TitleQuotedName,
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"client": clientRef,
					"title":  str(nonEmpty),
					"amount": amount("Montant estimé HT en euros"),
				}, "client", "title"),
			},
			fn: s.createDeal,
		},
		{
			spec: tools.Spec{
				Name: ToolCreateMission, Description: "Crée une mission pour un client", EntityType: "missions",
				StepLabel: "Mission créée", TitleRule: tools.TitleQuotedName,
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"client":    clientRef,
					"title":     str(nonEmpty),
					"startDate": str(date),
					"endDate":   str(date),
					"dailyRate": amount("Taux journalier HT en euros"),
				}, "client", "title"),
			},
			fn: s.createMission,
		},
		{
			spec: tools.Spec{
				Name: ToolCreateQuote, Description: "Crée un devis pour un client", EntityType: "quotes",
				StepLabel: "Devis créé", TitleRule: tools.TitleQuoteNumber,
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"client": clientRef,
					"title":  str(nonEmpty),
					"amount": amount("Montant HT en euros"),
				}, "client", "title", "amount"),
			},
			fn: s.createQuote,
		},
		{
			spec: tools.Spec{
				Name: ToolCreateInvoice, Description: "Crée une facture pour un client", EntityType: "invoices",
				StepLabel: "Facture créée", TitleRule: tools.TitleInvoiceNumber,
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"client":  clientRef,
					"label":   str(),
					"amount":  amount("Montant HT en euros"),
					"dueDate": str(date, described("Échéance AAAA-MM-JJ, 30 jours par défaut")),
				}, "client", "amount"),
			},
			fn: s.createInvoice,
		},
		{
			spec: tools.Spec{
				Name: ToolMarkInvoicePaid, Description: "Marque une facture comme payée", EntityType: "invoices",
				StepLabel: "Facture marquée payée", TitleRule: tools.TitleInvoiceNumber,
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"invoice": str(nonEmpty, described("Numéro (F-AAAA-NNNN) ou identifiant de la facture")),
				}, "invoice"),
			},
			fn: s.markInvoicePaid,
		},
		{
			spec: tools.Spec{
				Name: ToolCreateTask, Description: "Crée une tâche", EntityType: "tasks",
				StepLabel: "Tâche créée", TitleRule: tools.TitleQuotedName,
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"title":   str(nonEmpty),
					"dueDate": str(date),
					"client":  str(described("Nom ou identifiant du client concerné")),
				}, "title"),
			},
			fn: s.createTask,
		},
		{
			spec: tools.Spec{
				Name: ToolCompleteTask, Description: "Marque une tâche comme terminée", StepLabel: "Tâche terminée",
				Parameters: schema.StrictObject(map[string]*openapi3.Schema{
					"task": str(nonEmpty, described("Titre ou identifiant de la tâche")),
				}, "task"),
			},
			fn: s.completeTask,
		},
	}
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func ok(message string, data map[string]any) (schema.ToolResult, error) {
	return schema.ToolResult{Success: true, Message: message, Data: data}, nil
}

// refused turns lookup errors into a reported failure shown to the user;
// anything else is a real error.
func refused(err error) (schema.ToolResult, error) {
	switch {
	case errors.Is(err, ErrNotFound):
		return schema.ToolResult{Success: false, Message: "Élément introuvable : " + cause(err)}, nil
	case errors.Is(err, ErrAmbiguous):
		return schema.ToolResult{Success: false, Message: "Plusieurs éléments correspondent, précisez : " + cause(err)}, nil
	case errors.Is(err, ErrDuplicate):
		return schema.ToolResult{Success: false, Message: "Cet élément existe déjà : " + cause(err)}, nil
	default:
		return schema.ToolResult{}, err
	}
}

var quotedRef = regexp.MustCompile(`"[^"]*"|\S+`)

// cause returns the reference part of a wrapped lookup error.
func cause(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ":"); i > 0 {
		msg = msg[:i]
	}
	parts := quotedRef.FindAllString(msg, -1)
	if len(parts) < 2 {
		return msg
	}
	return strings.Join(parts[1:], " ")
}

func euros(v float64) string {
	return fmt.Sprintf("%.2f €", v)
}

func limitArg(args map[string]any) int {
	n := tools.GetIntParam(args, "limit", listLimit)
	if n <= 0 || n > 100 {
		return listLimit
	}
	return n
}

func (s *Store) listClients(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	clients, err := s.ListClients(ctx, userID, limitArg(args))
	if err != nil {
		return refused(err)
	}
	return clientList(clients, "Aucun client enregistré.")
}

func (s *Store) searchClients(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	query := tools.GetStringParam(args, "query", "")
	clients, err := s.SearchClients(ctx, userID, query, listLimit)
	if err != nil {
		return refused(err)
	}
	return clientList(clients, fmt.Sprintf("Aucun client ne correspond à %q.", query))
}

func clientList(clients []Client, empty string) (schema.ToolResult, error) {
	if len(clients) == 0 {
		return ok(empty, map[string]any{"clients": []Client{}})
	}
	names := make([]string, len(clients))
	for i, c := range clients {
		names[i] = c.Name
	}
	return ok(fmt.Sprintf("%d client(s) : %s", len(clients), strings.Join(names, ", ")), map[string]any{"clients": clients})
}

func (s *Store) getClient(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	c, err := s.ResolveClient(ctx, userID, tools.GetStringParam(args, "client", ""))
	if err != nil {
		return refused(err)
	}
	return ok(fmt.Sprintf("Client %q (id: %s)", c.Name, c.ID), map[string]any{"client": c})
}

func (s *Store) listDeals(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	deals, err := s.ListDeals(ctx, userID, limitArg(args))
	if err != nil {
		return refused(err)
	}
	if len(deals) == 0 {
		return ok("Aucune affaire en cours.", map[string]any{"deals": []Deal{}})
	}
	lines := make([]string, len(deals))
	for i, d := range deals {
		lines[i] = fmt.Sprintf("%s (%s, %s)", d.Title, d.ClientName, euros(d.Amount))
	}
	return ok(fmt.Sprintf("%d affaire(s) : %s", len(deals), strings.Join(lines, " ; ")), map[string]any{"deals": deals})
}

func (s *Store) listInvoices(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	status := tools.GetStringParam(args, "status", "")
	invoices, err := s.ListInvoices(ctx, userID, status, limitArg(args))
	if err != nil {
		return refused(err)
	}
	if len(invoices) == 0 {
		return ok("Aucune facture trouvée.", map[string]any{"invoices": []Invoice{}})
	}
	lines := make([]string, len(invoices))
	for i, inv := range invoices {
		state := "impayée"
		if inv.Status == InvoicePaid {
			state = "payée"
		}
		lines[i] = fmt.Sprintf("%s %s %s (%s)", inv.Number, inv.ClientName, euros(inv.Amount), state)
	}
	return ok(fmt.Sprintf("%d facture(s) : %s", len(invoices), strings.Join(lines, " ; ")), map[string]any{"invoices": invoices})
}

func (s *Store) listQuotes(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	quotes, err := s.ListQuotes(ctx, userID, limitArg(args))
	if err != nil {
		return refused(err)
	}
	if len(quotes) == 0 {
		return ok("Aucun devis trouvé.", map[string]any{"quotes": []Quote{}})
	}
	lines := make([]string, len(quotes))
	for i, q := range quotes {
		lines[i] = fmt.Sprintf("%s %s %s", q.Number, q.ClientName, euros(q.Amount))
	}
	return ok(fmt.Sprintf("%d devis : %s", len(quotes), strings.Join(lines, " ; ")), map[string]any{"quotes": quotes})
}

func (s *Store) listTasks(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	tasks, err := s.ListTasks(ctx, userID, tools.GetBoolParam(args, "includeDone", false), limitArg(args))
	if err != nil {
		return refused(err)
	}
	if len(tasks) == 0 {
		return ok("Aucune tâche à faire.", map[string]any{"tasks": []Task{}})
	}
	titles := make([]string, len(tasks))
	for i, t := range tasks {
		titles[i] = t.Title
		if t.DueDate != "" {
			titles[i] += " (" + t.DueDate + ")"
		}
	}
	return ok(fmt.Sprintf("%d tâche(s) : %s", len(tasks), strings.Join(titles, " ; ")), map[string]any{"tasks": tasks})
}

func (s *Store) openEntity(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	entityType := tools.GetStringParam(args, "type", "")
	id := tools.GetStringParam(args, "id", "")
	title, err := s.EntityTitle(ctx, userID, entityType, id)
	if err != nil {
		return refused(err)
	}
	return ok(fmt.Sprintf("Ouverture de %s", title), map[string]any{
		"action": "open_tab",
		"tab": map[string]any{
			"type":     entityType,
			"path":     "/" + entityType + "/" + id,
			"title":    title,
			"entityId": id,
		},
	})
}

func (s *Store) createClient(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	c, err := s.CreateClient(ctx, userID, Client{
		Name:    tools.GetStringParam(args, "name", ""),
		Email:   tools.GetStringParam(args, "email", ""),
		Phone:   tools.GetStringParam(args, "phone", ""),
		Company: tools.GetStringParam(args, "company", ""),
	})
	if err != nil {
		return refused(err)
	}
	return ok(fmt.Sprintf("Client %q créé (id: %s)", c.Name, c.ID), map[string]any{"id": c.ID, "name": c.Name})
}

func (s *Store) createDeal(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	c, err := s.ResolveClient(ctx, userID, tools.GetStringParam(args, "client", ""))
	if err != nil {
		return refused(err)
	}
	d, err := s.CreateDeal(ctx, userID, c, tools.GetStringParam(args, "title", ""), tools.GetFloatParam(args, "amount", 0))
	if err != nil {
		return refused(err)
	}
	return ok(fmt.Sprintf("Affaire %q créée pour %s (id: %s)", d.Title, c.Name, d.ID), map[string]any{"id": d.ID, "title": d.Title})
}

func (s *Store) createMission(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	c, err := s.ResolveClient(ctx, userID, tools.GetStringParam(args, "client", ""))
	if err != nil {
		return refused(err)
	}
	m, err := s.CreateMission(ctx, userID, c, Mission{
		Title:     tools.GetStringParam(args, "title", ""),
		StartDate: tools.GetStringParam(args, "startDate", ""),
		EndDate:   tools.GetStringParam(args, "endDate", ""),
		DailyRate: tools.GetFloatParam(args, "dailyRate", 0),
	})
	if err != nil {
		return refused(err)
	}
	return ok(fmt.Sprintf("Mission %q créée pour %s (id: %s)", m.Title, c.Name, m.ID), map[string]any{"id": m.ID, "title": m.Title})
}

func (s *Store) createQuote(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	c, err := s.ResolveClient(ctx, userID, tools.GetStringParam(args, "client", ""))
	if err != nil {
		return refused(err)
	}
	q, err := s.CreateQuote(ctx, userID, c, tools.GetStringParam(args, "title", ""), tools.GetFloatParam(args, "amount", 0))
	if err != nil {
		return refused(err)
	}
	return ok(fmt.Sprintf("Devis %s créé pour %s : %s HT (id: %s)", q.Number, c.Name, euros(q.Amount), q.ID),
		map[string]any{"id": q.ID, "number": q.Number})
}

func (s *Store) createInvoice(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	c, err := s.ResolveClient(ctx, userID, tools.GetStringParam(args, "client", ""))
	if err != nil {
		return refused(err)
	}
	due := tools.GetStringParam(args, "dueDate", "")
	if due == "" {
		due = s.now().AddDate(0, 0, defaultPaymentDays).Format(time.DateOnly)
	}
	inv, err := s.CreateInvoice(ctx, userID, c, tools.GetStringParam(args, "label", ""), tools.GetFloatParam(args, "amount", 0), due)
	if err != nil {
		return refused(err)
	}
	return ok(fmt.Sprintf("Facture %s créée pour %s : %s HT, échéance %s (id: %s)", inv.Number, c.Name, euros(inv.Amount), inv.DueDate, inv.ID),
		map[string]any{"id": inv.ID, "number": inv.Number})
}

func (s *Store) markInvoicePaid(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	inv, changed, err := s.MarkInvoicePaid(ctx, userID, tools.GetStringParam(args, "invoice", ""))
	if err != nil {
		return refused(err)
	}
	if !changed {
		return ok(fmt.Sprintf("Facture %s déjà payée le %s (id: %s)", inv.Number, inv.PaidAt, inv.ID), map[string]any{"id": inv.ID, "number": inv.Number})
	}
	return ok(fmt.Sprintf("Facture %s marquée comme payée (id: %s)", inv.Number, inv.ID), map[string]any{"id": inv.ID, "number": inv.Number})
}

func (s *Store) createTask(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	var client *Client
	if ref := tools.GetStringParam(args, "client", ""); ref != "" {
		c, err := s.ResolveClient(ctx, userID, ref)
		if err != nil {
			return refused(err)
		}
		client = c
	}
	t, err := s.CreateTask(ctx, userID, client, tools.GetStringParam(args, "title", ""), tools.GetStringParam(args, "dueDate", ""))
	if err != nil {
		return refused(err)
	}
	return ok(fmt.Sprintf("Tâche %q créée (id: %s)", t.Title, t.ID), map[string]any{"id": t.ID, "title": t.Title})
}

func (s *Store) completeTask(ctx context.Context, userID string, args map[string]any) (schema.ToolResult, error) {
	t, err := s.CompleteTask(ctx, userID, tools.GetStringParam(args, "task", ""))
	if err != nil {
		return refused(err)
	}
	return ok(fmt.Sprintf("Tâche %q terminée", t.Title), map[string]any{"id": t.ID})
}
