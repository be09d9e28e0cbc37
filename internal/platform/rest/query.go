// Package rest is a client for the hosted PostgREST-style table API.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/transport"
)

const (
	objectMediaType = "application/vnd.pgrst.object+json"
	noRowsCode      = "PGRST116"
)

// Client issues table queries under /rest/v1.
type Client struct {
	caller *transport.Caller
}

// New returns a table client for the platform at baseURL.
func New(baseURL, apiKey string, tokens transport.TokenSource) *Client {
	return &Client{caller: transport.NewCaller(baseURL, apiKey, tokens)}
}

// NewWithCaller returns a table client sharing an existing caller.
func NewWithCaller(caller *transport.Caller) *Client {
	return &Client{caller: caller}
}

// From starts a query against table.
func (c *Client) From(table string) *Query {
	return &Query{client: c, table: table, params: url.Values{}}
}

// Query accumulates filters for one table request. It is not safe for
// concurrent use.
type Query struct {
	client  *Client
	table   string
	columns string
	params  url.Values
	order   []string
	limit   int
	single  bool
}

// Select restricts the returned columns.
func (q *Query) Select(columns string) *Query {
	q.columns = columns
	return q
}

// Eq filters rows where column equals value.
func (q *Query) Eq(column, value string) *Query {
	q.params.Add(column, "eq."+value)
	return q
}

// Neq filters rows where column differs from value.
func (q *Query) Neq(column, value string) *Query {
	q.params.Add(column, "neq."+value)
	return q
}

// Contains filters rows whose array column contains every value.
func (q *Query) Contains(column string, values ...string) *Query {
	q.params.Add(column, "cs."+ArrayLiteral(values))
	return q
}

// Order sorts by column. Multiple calls append secondary keys.
func (q *Query) Order(column string, ascending bool) *Query {
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	q.order = append(q.order, column+"."+dir)
	return q
}

// Limit caps the number of rows returned.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Single expects exactly one row; zero rows yields errs.ErrNotFound.
func (q *Query) Single() *Query {
	q.single = true
	return q
}

// Path renders the request path with its query string.
func (q *Query) Path() string {
	params := url.Values{}
	for k, vs := range q.params {
		params[k] = append([]string(nil), vs...)
	}
	if q.columns != "" {
		params.Set("select", q.columns)
	}
	if len(q.order) > 0 {
		params.Set("order", strings.Join(q.order, ","))
	}
	if q.limit > 0 {
		params.Set("limit", strconv.Itoa(q.limit))
	}

	path := "/rest/v1/" + url.PathEscape(q.table)
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return path
}

// Get runs a select and decodes the rows (or the single row) into out.
func (q *Query) Get(ctx context.Context, out any) error {
	if q.columns == "" {
		q.columns = "*"
	}
	return q.do(ctx, "select "+q.table, http.MethodGet, nil, out, nil)
}

// Insert writes row and decodes the inserted representation into out when
// out is non-nil.
func (q *Query) Insert(ctx context.Context, row any, out any) error {
	prefer := "return=minimal"
	if out != nil {
		prefer = "return=representation"
	}
	return q.do(ctx, "insert "+q.table, http.MethodPost, row, out, map[string]string{"Prefer": prefer})
}

// Update applies patch to every row matching the filters.
func (q *Query) Update(ctx context.Context, patch any) error {
	if len(q.params) == 0 {
		return fmt.Errorf("update %s: refusing unfiltered update", q.table)
	}
	return q.do(ctx, "update "+q.table, http.MethodPatch, patch, nil, map[string]string{"Prefer": "return=minimal"})
}

func (q *Query) do(ctx context.Context, op, method string, body, out any, headers map[string]string) error {
	if headers == nil {
		headers = map[string]string{}
	}
	if q.single {
		headers["Accept"] = objectMediaType
	}

	_, err := q.client.caller.Do(ctx, transport.Request{
		Op:      op,
		Method:  method,
		Path:    q.Path(),
		JSON:    body,
		Out:     out,
		Headers: headers,
	})
	if err == nil {
		return nil
	}

	var remote *errs.RemoteError
	if q.single && errors.As(err, &remote) && remote.Status == http.StatusNotAcceptable && remote.Code == noRowsCode {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	return err
}

// ArrayLiteral renders values as a Postgres array literal, quoting elements
// that contain delimiters.
func ArrayLiteral(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		if v == "" || strings.ContainsAny(v, `,{}" \`) {
			v = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
		}
		parts[i] = v
	}
	return "{" + strings.Join(parts, ",") + "}"
}
