package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Client is a customer of the business.
type Client struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Company   string `json:"company,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Deal is a sales opportunity.
type Deal struct {
	ID         string  `json:"id"`
	ClientID   string  `json:"clientId"`
	ClientName string  `json:"clientName"`
	Title      string  `json:"title"`
	Amount     float64 `json:"amount"`
	Stage      string  `json:"stage"`
}

// Mission is billable work for a client.
type Mission struct {
	ID         string  `json:"id"`
	ClientID   string  `json:"clientId"`
	ClientName string  `json:"clientName"`
	Title      string  `json:"title"`
	StartDate  string  `json:"startDate,omitempty"`
	EndDate    string  `json:"endDate,omitempty"`
	DailyRate  float64 `json:"dailyRate,omitempty"`
}

// Quote is a priced proposal, numbered D-YYYY-NNNN.
type Quote struct {
	ID         string  `json:"id"`
	ClientID   string  `json:"clientId"`
	ClientName string  `json:"clientName"`
	Number     string  `json:"number"`
	Title      string  `json:"title"`
	Amount     float64 `json:"amount"`
	Status     string  `json:"status"`
}

// Invoice is numbered F-YYYY-NNNN.
type Invoice struct {
	ID         string  `json:"id"`
	ClientID   string  `json:"clientId"`
	ClientName string  `json:"clientName"`
	Number     string  `json:"number"`
	Label      string  `json:"label,omitempty"`
	Amount     float64 `json:"amount"`
	DueDate    string  `json:"dueDate"`
	Status     string  `json:"status"`
	PaidAt     string  `json:"paidAt,omitempty"`
}

// Task is a to-do item, optionally linked to a client.
type Task struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId,omitempty"`
	Title    string `json:"title"`
	DueDate  string `json:"dueDate,omitempty"`
	Done     bool   `json:"done"`
}

const (
	InvoiceUnpaid = "unpaid"
	InvoicePaid   = "paid"
)

// CreateClient inserts a client. Names are unique per user, ignoring case.
func (s *Store) CreateClient(ctx context.Context, userID string, c Client) (*Client, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, fmt.Errorf("client name is required")
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM clients WHERE user_id = ? AND lower(name) = lower(?)", userID, c.Name,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check client name: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("client %q: %w", c.Name, ErrDuplicate)
		}

		c.ID = newID()
		c.CreatedAt = s.timestamp()
		_, err := tx.ExecContext(ctx,
			"INSERT INTO clients (id, user_id, name, email, phone, company, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			c.ID, userID, c.Name, c.Email, c.Phone, c.Company, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert client: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const clientColumns = "id, name, email, phone, company, created_at"

func scanClients(rows *sql.Rows) ([]Client, error) {
	defer rows.Close()
	var out []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListClients returns the user's clients by name.
func (s *Store) ListClients(ctx context.Context, userID string, limit int) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE user_id = ? ORDER BY lower(name) LIMIT ?", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return scanClients(rows)
}

// SearchClients matches query against name, company and email.
func (s *Store) SearchClients(ctx context.Context, userID, query string, limit int) ([]Client, error) {
	pattern := likePattern(query)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+clientColumns+` FROM clients WHERE user_id = ?
		AND (name LIKE ? ESCAPE '\' OR company LIKE ? ESCAPE '\' OR email LIKE ? ESCAPE '\')
		ORDER BY lower(name) LIMIT ?`, userID, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search clients: %w", err)
	}
	return scanClients(rows)
}

// GetClient returns one client by id.
func (s *Store) GetClient(ctx context.Context, userID, id string) (*Client, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE user_id = ? AND id = ?", userID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	clients, err := scanClients(rows)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return &clients[0], nil
}

// ResolveClient finds a client by id, exact name (any case) or a unique
// partial name.
func (s *Store) ResolveClient(ctx context.Context, userID, ref string) (*Client, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("client reference is empty: %w", ErrNotFound)
	}
	if _, err := uuid.Parse(ref); err == nil {
		return s.GetClient(ctx, userID, ref)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE user_id = ? AND lower(name) = lower(?)", userID, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve client: %w", err)
	}
	exact, err := scanClients(rows)
	if err != nil {
		return nil, err
	}
	if len(exact) == 1 {
		return &exact[0], nil
	}

	partial, err := s.SearchClients(ctx, userID, ref, 2)
	if err != nil {
		return nil, err
	}
	switch len(partial) {
	case 0:
		return nil, fmt.Errorf("client %q: %w", ref, ErrNotFound)
	case 1:
		return &partial[0], nil
	default:
		return nil, fmt.Errorf("client %q: %w", ref, ErrAmbiguous)
	}
}

// CreateDeal opens a deal for a client.
func (s *Store) CreateDeal(ctx context.Context, userID string, client *Client, title string, amount float64) (*Deal, error) {
	d := &Deal{ID: newID(), ClientID: client.ID, ClientName: client.Name, Title: strings.TrimSpace(title), Amount: amount, Stage: "prospect"}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO deals (id, user_id, client_id, title, amount, stage, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		d.ID, userID, d.ClientID, d.Title, d.Amount, d.Stage, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("failed to insert deal: %w", err)
	}
	return d, nil
}

// ListDeals returns the user's deals, newest first.
func (s *Store) ListDeals(ctx context.Context, userID string, limit int) ([]Deal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT d.id, d.client_id, c.name, d.title, d.amount, d.stage
		FROM deals d JOIN clients c ON c.id = d.client_id
		WHERE d.user_id = ? ORDER BY d.created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deals: %w", err)
	}
	defer rows.Close()

	var out []Deal
	for rows.Next() {
		var d Deal
		if err := rows.Scan(&d.ID, &d.ClientID, &d.ClientName, &d.Title, &d.Amount, &d.Stage); err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateMission records a mission for a client.
func (s *Store) CreateMission(ctx context.Context, userID string, client *Client, m Mission) (*Mission, error) {
	m.ID = newID()
	m.ClientID = client.ID
	m.ClientName = client.Name
	m.Title = strings.TrimSpace(m.Title)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO missions (id, user_id, client_id, title, start_date, end_date, daily_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, userID, m.ClientID, m.Title, m.StartDate, m.EndDate, m.DailyRate, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("failed to insert mission: %w", err)
	}
	return &m, nil
}

// CreateQuote numbers and inserts a quote.
func (s *Store) CreateQuote(ctx context.Context, userID string, client *Client, title string, amount float64) (*Quote, error) {
	q := &Quote{ID: newID(), ClientID: client.ID, ClientName: client.Name, Title: strings.TrimSpace(title), Amount: amount, Status: "draft"}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		number, err := s.nextNumber(ctx, tx, "quotes", "D", userID)
		if err != nil {
			return err
		}
		q.Number = number
		_, err = tx.ExecContext(ctx,
			"INSERT INTO quotes (id, user_id, client_id, number, title, amount, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			q.ID, userID, q.ClientID, q.Number, q.Title, q.Amount, q.Status, s.timestamp())
		if err != nil {
			return fmt.Errorf("failed to insert quote: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ListQuotes returns the user's quotes, newest first.
func (s *Store) ListQuotes(ctx context.Context, userID string, limit int) ([]Quote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT q.id, q.client_id, c.name, q.number, q.title, q.amount, q.status
		FROM quotes q JOIN clients c ON c.id = q.client_id
		WHERE q.user_id = ? ORDER BY q.number DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotes: %w", err)
	}
	defer rows.Close()

	var out []Quote
	for rows.Next() {
		var q Quote
		if err := rows.Scan(&q.ID, &q.ClientID, &q.ClientName, &q.Number, &q.Title, &q.Amount, &q.Status); err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// CreateInvoice numbers and inserts an unpaid invoice.
func (s *Store) CreateInvoice(ctx context.Context, userID string, client *Client, label string, amount float64, dueDate string) (*Invoice, error) {
	inv := &Invoice{
		ID: newID(), ClientID: client.ID, ClientName: client.Name,
		Label: strings.TrimSpace(label), Amount: amount, DueDate: dueDate, Status: InvoiceUnpaid,
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		number, err := s.nextNumber(ctx, tx, "invoices", "F", userID)
		if err != nil {
			return err
		}
		inv.Number = number
		_, err = tx.ExecContext(ctx,
			`INSERT INTO invoices (id, user_id, client_id, number, label, amount, due_date, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, userID, inv.ClientID, inv.Number, inv.Label, inv.Amount, inv.DueDate, inv.Status, s.timestamp())
		if err != nil {
			return fmt.Errorf("failed to insert invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

const invoiceSelect = `SELECT i.id, i.client_id, c.name, i.number, i.label, i.amount, i.due_date, i.status, i.paid_at
	FROM invoices i JOIN clients c ON c.id = i.client_id`

func scanInvoices(rows *sql.Rows) ([]Invoice, error) {
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.ClientID, &inv.ClientName, &inv.Number, &inv.Label,
			&inv.Amount, &inv.DueDate, &inv.Status, &inv.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ListInvoices returns invoices, optionally filtered by status.
func (s *Store) ListInvoices(ctx context.Context, userID, status string, limit int) ([]Invoice, error) {
	query := invoiceSelect + " WHERE i.user_id = ?"
	args := []any{userID}
	if status != "" {
		query += " AND i.status = ?"
		args = append(args, status)
	}
	query += " ORDER BY i.number DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	return scanInvoices(rows)
}

// GetInvoice finds an invoice by id or number.
func (s *Store) GetInvoice(ctx context.Context, userID, ref string) (*Invoice, error) {
	rows, err := s.db.QueryContext(ctx, invoiceSelect+" WHERE i.user_id = ? AND (i.id = ? OR i.number = ?)",
		userID, ref, strings.ToUpper(strings.TrimSpace(ref)))
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	invoices, err := scanInvoices(rows)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, fmt.Errorf("invoice %s: %w", ref, ErrNotFound)
	}
	return &invoices[0], nil
}

// MarkInvoicePaid sets the invoice status to paid. Marking an already paid
// invoice is a no-op that reports changed=false.
func (s *Store) MarkInvoicePaid(ctx context.Context, userID, ref string) (inv *Invoice, changed bool, err error) {
	inv, err = s.GetInvoice(ctx, userID, ref)
	if err != nil {
		return nil, false, err
	}
	if inv.Status == InvoicePaid {
		return inv, false, nil
	}
	paidAt := s.now().Format("2006-01-02")
	if _, err := s.db.ExecContext(ctx,
		"UPDATE invoices SET status = ?, paid_at = ? WHERE user_id = ? AND id = ?",
		InvoicePaid, paidAt, userID, inv.ID); err != nil {
		return nil, false, fmt.Errorf("failed to update invoice: %w", err)
	}
	inv.Status = InvoicePaid
	inv.PaidAt = paidAt
	return inv, true, nil
}

// CreateTask inserts an open task. client may be nil.
func (s *Store) CreateTask(ctx context.Context, userID string, client *Client, title, dueDate string) (*Task, error) {
	t := &Task{ID: newID(), Title: strings.TrimSpace(title), DueDate: dueDate}
	var clientID sql.NullString
	if client != nil {
		t.ClientID = client.ID
		clientID = sql.NullString{String: client.ID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tasks (id, user_id, client_id, title, due_date, done, created_at) VALUES (?, ?, ?, ?, ?, FALSE, ?)",
		t.ID, userID, clientID, t.Title, t.DueDate, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		var clientID sql.NullString
		if err := rows.Scan(&t.ID, &clientID, &t.Title, &t.DueDate, &t.Done); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.ClientID = clientID.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasks returns open tasks, or all tasks when includeDone is set.
func (s *Store) ListTasks(ctx context.Context, userID string, includeDone bool, limit int) ([]Task, error) {
	query := "SELECT id, client_id, title, due_date, done FROM tasks WHERE user_id = ?"
	if !includeDone {
		query += " AND done = FALSE"
	}
	query += " ORDER BY due_date = '', due_date, created_at LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return scanTasks(rows)
}

// CompleteTask marks a task done, found by id or unique title match.
func (s *Store) CompleteTask(ctx context.Context, userID, ref string) (*Task, error) {
	var rows *sql.Rows
	var err error
	if _, parseErr := uuid.Parse(strings.TrimSpace(ref)); parseErr == nil {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, client_id, title, due_date, done FROM tasks WHERE user_id = ? AND id = ?", userID, strings.TrimSpace(ref))
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, client_id, title, due_date, done FROM tasks
			WHERE user_id = ? AND done = FALSE AND title LIKE ? ESCAPE '\' LIMIT 2`, userID, likePattern(ref))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	switch len(tasks) {
	case 0:
		return nil, fmt.Errorf("task %q: %w", ref, ErrNotFound)
	case 1:
	default:
		return nil, fmt.Errorf("task %q: %w", ref, ErrAmbiguous)
	}

	t := tasks[0]
	if _, err := s.db.ExecContext(ctx, "UPDATE tasks SET done = TRUE WHERE user_id = ? AND id = ?", userID, t.ID); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	t.Done = true
	return &t, nil
}

// EntityTitle returns a display title for an entity of the given type.
func (s *Store) EntityTitle(ctx context.Context, userID, entityType, id string) (string, error) {
	column, ok := titleColumns[entityType]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
	var title string
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ? AND id = ?", column, entityType)
	err := s.db.QueryRowContext(ctx, query, userID, id).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s %s: %w", entityType, id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", entityType, err)
	}
	return title, nil
}

// titleColumns maps each entity table to its display column.
var titleColumns = map[string]string{
	"clients":  "name",
	"deals":    "title",
	"missions": "title",
	"quotes":   "number",
	"invoices": "number",
	"tasks":    "title",
}

// EntityTypes lists the types open_entity accepts.
func EntityTypes() []string {
	return []string{"clients", "deals", "missions", "quotes", "invoices", "tasks"}
}
