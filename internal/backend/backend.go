// Package backend defines the typed contract between the data layer and the
// hosted backend: a table query builder, RPC calls and an auth sub-client.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// Executor runs a fully described request against the backend.
type Executor interface {
	Do(ctx context.Context, req *Request) ([]byte, error)
}

// Client is the capability surface every connection handle must satisfy.
type Client interface {
	Executor

	// From starts a query against table.
	From(table string) *Query
	// RPC calls a stored procedure with JSON-encodable args.
	RPC(ctx context.Context, fn string, args interface{}) ([]byte, error)
	// Auth returns the session sub-client.
	Auth() Auth
	// Ping performs a minimal read that proves connectivity.
	Ping(ctx context.Context) error
	Close() error
}

// Auth manages the user session.
type Auth interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	RefreshSession(ctx context.Context) (*Session, error)
	// Session returns the current session, or nil when signed out.
	Session() *Session
}

// Session is an authenticated user session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
}

// Expired reports whether the access token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

// Method is the kind of table operation.
type Method string

const (
	MethodSelect Method = "select"
	MethodInsert Method = "insert"
	MethodUpdate Method = "update"
	MethodUpsert Method = "upsert"
	MethodDelete Method = "delete"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNeq   Operator = "neq"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpIn    Operator = "in"
	OpIs    Operator = "is"
	OpILike Operator = "ilike"
)

// Filter restricts the rows an operation touches.
type Filter struct {
	Column   string
	Operator Operator
	Value    interface{}
}

// Order sorts selected rows.
type Order struct {
	Column    string
	Ascending bool
}

// Request is a backend-agnostic description of one table operation.
type Request struct {
	Method  Method
	Table   string
	Columns string
	Filters []Filter
	Orders  []Order
	Limit   int
	Offset  int
	// Single asks for exactly one row as an object instead of an array.
	Single bool
	Body   interface{}
}

// Params returns the equality filters as a flat map, the shape the query
// cache uses for parameter invalidation.
func (r *Request) Params() map[string]interface{} {
	params := make(map[string]interface{}, len(r.Filters)+1)
	params["table"] = r.Table
	for _, f := range r.Filters {
		if f.Operator == OpEq {
			params[f.Column] = f.Value
		}
	}
	return params
}

// Query builds a Request fluently.
type Query struct {
	exec Executor
	req  Request
}

// NewQuery returns a Query for table executed by exec.
func NewQuery(exec Executor, table string) *Query {
	return &Query{exec: exec, req: Request{Method: MethodSelect, Table: table, Columns: "*"}}
}

func (q *Query) Select(columns string) *Query {
	q.req.Columns = columns
	return q
}

func (q *Query) Filter(column string, op Operator, value interface{}) *Query {
	q.req.Filters = append(q.req.Filters, Filter{Column: column, Operator: op, Value: value})
	return q
}

func (q *Query) Eq(column string, value interface{}) *Query {
	return q.Filter(column, OpEq, value)
}

func (q *Query) Gte(column string, value interface{}) *Query {
	return q.Filter(column, OpGte, value)
}

func (q *Query) Lte(column string, value interface{}) *Query {
	return q.Filter(column, OpLte, value)
}

func (q *Query) In(column string, values ...interface{}) *Query {
	return q.Filter(column, OpIn, values)
}

func (q *Query) Order(column string, ascending bool) *Query {
	q.req.Orders = append(q.req.Orders, Order{Column: column, Ascending: ascending})
	return q
}

func (q *Query) Limit(n int) *Query {
	q.req.Limit = n
	return q
}

func (q *Query) Range(from, to int) *Query {
	q.req.Offset = from
	q.req.Limit = to - from + 1
	return q
}

func (q *Query) Single() *Query {
	q.req.Single = true
	return q
}

// Request returns a copy of the built request.
func (q *Query) Request() Request {
	return q.req
}

// Execute runs the select and returns the raw JSON response.
func (q *Query) Execute(ctx context.Context) ([]byte, error) {
	q.req.Method = MethodSelect
	return q.exec.Do(ctx, &q.req)
}

// Into runs the select and decodes the response into dst.
func (q *Query) Into(ctx context.Context, dst interface{}) error {
	data, err := q.Execute(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Insert creates rows and returns the stored representation.
func (q *Query) Insert(ctx context.Context, rows interface{}) ([]byte, error) {
	q.req.Method = MethodInsert
	q.req.Body = rows
	return q.exec.Do(ctx, &q.req)
}

// Upsert inserts rows or merges them into existing ones.
func (q *Query) Upsert(ctx context.Context, rows interface{}) ([]byte, error) {
	q.req.Method = MethodUpsert
	q.req.Body = rows
	return q.exec.Do(ctx, &q.req)
}

// Update patches the filtered rows with values.
func (q *Query) Update(ctx context.Context, values interface{}) ([]byte, error) {
	q.req.Method = MethodUpdate
	q.req.Body = values
	return q.exec.Do(ctx, &q.req)
}

// Delete removes the filtered rows.
func (q *Query) Delete(ctx context.Context) error {
	q.req.Method = MethodDelete
	_, err := q.exec.Do(ctx, &q.req)
	return err
}
