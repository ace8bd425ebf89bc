// Package toolstore is the persistence layer behind the tool server. It
// owns the customers and tickets tables in a SQLite database and exposes
// the operations the tool server advertises.
package toolstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the referenced customer or ticket does not exist.
var ErrNotFound = errors.New("toolstore: not found")

// Customer is one customer record.
type Customer struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Ticket is one support ticket.
type Ticket struct {
	ID         int64  `json:"id"`
	CustomerID int64  `json:"customer_id"`
	Issue      string `json:"issue"`
	Status     string `json:"status"`
	Priority   string `json:"priority"`
	CreatedAt  string `json:"created_at"`
}

// TicketFilter narrows a ticket query. Zero values mean no filter.
type TicketFilter struct {
	Status      string
	Priority    string
	CustomerIDs []int64
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Pass ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The sqlite driver serializes access through one connection; more
	// would trip SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			email TEXT,
			phone TEXT,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'disabled')),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id INTEGER NOT NULL,
			issue TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'in_progress', 'resolved')),
			priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low', 'medium', 'high')),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (customer_id) REFERENCES customers(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_email ON customers(email)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_customer_id ON tickets(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Seed inserts sample customers and tickets when the database is empty.
func (s *Store) Seed(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM customers").Scan(&count); err != nil {
		return fmt.Errorf("count customers: %w", err)
	}
	if count > 0 {
		return nil
	}

	customers := []struct {
		name, email, phone, status string
	}{
		{"John Doe", "john.doe@example.com", "+1-555-0101", "active"},
		{"Jane Smith", "jane.smith@example.com", "+1-555-0102", "active"},
		{"Bob Johnson", "bob.johnson@example.com", "+1-555-0103", "disabled"},
		{"Alice Williams", "alice.w@techcorp.com", "+1-555-0104", "active"},
		{"Charlie Brown", "charlie.brown@email.com", "+1-555-0105", "active"},
		{"Diana Prince", "diana.prince@company.org", "+1-555-0106", "active"},
		{"Edward Norton", "e.norton@business.net", "+1-555-0107", "active"},
		{"Fiona Green", "fiona.green@startup.io", "+1-555-0108", "disabled"},
		{"George Miller", "george.m@enterprise.com", "+1-555-0109", "active"},
		{"Hannah Lee", "hannah.lee@global.com", "+1-555-0110", "active"},
	}
	for _, c := range customers {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO customers (name, email, phone, status) VALUES (?, ?, ?, ?)",
			c.name, c.email, c.phone, c.status); err != nil {
			return fmt.Errorf("seed customers: %w", err)
		}
	}

	tickets := []struct {
		customerID int64
		issue      string
		status     string
		priority   string
	}{
		{1, "Cannot login to account", "open", "high"},
		{4, "Database connection timeout errors", "in_progress", "high"},
		{7, "Payment processing failing for all transactions", "open", "high"},
		{1, "How do I export my data?", "open", "low"},
		{2, "Billing question about last invoice", "open", "medium"},
		{5, "Feature request: dark mode", "resolved", "low"},
		{6, "Password reset email not arriving", "in_progress", "medium"},
		{9, "API rate limits too restrictive", "open", "medium"},
		{10, "Charged twice for subscription", "open", "high"},
		{2, "Account upgrade options", "resolved", "low"},
	}
	for _, t := range tickets {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO tickets (customer_id, issue, status, priority) VALUES (?, ?, ?, ?)",
			t.customerID, t.issue, t.status, t.priority); err != nil {
			return fmt.Errorf("seed tickets: %w", err)
		}
	}
	return nil
}

// GetCustomer returns one customer by id.
func (s *Store) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, phone, status, created_at, updated_at FROM customers WHERE id = ?", id)
	return scanCustomer(row)
}

// ListCustomers returns up to limit customers, optionally filtered by
// status ("all" disables the filter).
func (s *Store) ListCustomers(ctx context.Context, status string, limit int) ([]Customer, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" || status == "all" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, name, email, phone, status, created_at, updated_at FROM customers LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, name, email, phone, status, created_at, updated_at FROM customers WHERE status = ? LIMIT ?",
			status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		c, err := scanCustomerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCustomer applies the non-empty fields and returns the updated
// record.
func (s *Store) UpdateCustomer(ctx context.Context, id int64, fields map[string]string) (*Customer, error) {
	var (
		sets []string
		args []any
	)
	for _, col := range []string{"name", "email", "phone", "status"} {
		if v, ok := fields[col]; ok && v != "" {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339), id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE customers SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("update customer: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, fmt.Errorf("%w: customer %d", ErrNotFound, id)
	}
	return s.GetCustomer(ctx, id)
}

// CreateTicket opens a new ticket for an existing customer.
func (s *Store) CreateTicket(ctx context.Context, customerID int64, issue, priority string) (*Ticket, error) {
	if priority == "" {
		priority = "medium"
	}
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO tickets (customer_id, issue, status, priority) VALUES (?, ?, 'open', ?)",
		customerID, issue, priority)
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	ticketID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ticket id: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT id, customer_id, issue, status, priority, created_at FROM tickets WHERE id = ?", ticketID)
	return scanTicket(row)
}

// GetCustomerHistory returns a customer together with their tickets,
// newest first.
func (s *Store) GetCustomerHistory(ctx context.Context, customerID int64) (*Customer, []Ticket, error) {
	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, customer_id, issue, status, priority, created_at FROM tickets WHERE customer_id = ? ORDER BY created_at DESC, id DESC",
		customerID)
	if err != nil {
		return nil, nil, fmt.Errorf("customer history: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicketRows(rows)
		if err != nil {
			return nil, nil, err
		}
		tickets = append(tickets, *t)
	}
	return customer, tickets, rows.Err()
}

// GetTickets returns tickets matching the filter, newest first.
func (s *Store) GetTickets(ctx context.Context, filter TicketFilter) ([]Ticket, error) {
	query := "SELECT id, customer_id, issue, status, priority, created_at FROM tickets WHERE 1=1"
	var args []any

	if filter.Status != "" && filter.Status != "all" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Priority != "" && filter.Priority != "all" {
		query += " AND priority = ?"
		args = append(args, filter.Priority)
	}
	if len(filter.CustomerIDs) > 0 {
		query += " AND customer_id IN (?" + strings.Repeat(", ?", len(filter.CustomerIDs)-1) + ")"
		for _, id := range filter.CustomerIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicketRows(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

func scanCustomer(row *sql.Row) (*Customer, error) {
	var c Customer
	var email, phone sql.NullString
	err := row.Scan(&c.ID, &c.Name, &email, &phone, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: customer", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	c.Email = email.String
	c.Phone = phone.String
	return &c, nil
}

func scanCustomerRows(rows *sql.Rows) (*Customer, error) {
	var c Customer
	var email, phone sql.NullString
	if err := rows.Scan(&c.ID, &c.Name, &email, &phone, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	c.Email = email.String
	c.Phone = phone.String
	return &c, nil
}

func scanTicket(row *sql.Row) (*Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.CustomerID, &t.Issue, &t.Status, &t.Priority, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ticket", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	return &t, nil
}

func scanTicketRows(rows *sql.Rows) (*Ticket, error) {
	var t Ticket
	if err := rows.Scan(&t.ID, &t.CustomerID, &t.Issue, &t.Status, &t.Priority, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	return &t, nil
}
