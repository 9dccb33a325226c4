// Package httpapi exposes the lending engine over HTTP/JSON.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/ledger"
)

const (
	logMsgRequestFailed = "request failed"
	logAttrMethod       = "method"
	logAttrPath         = "path"
	logAttrStatus       = "status"

	maxBodyBytes = 1 << 16
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Loans is the part of the ledger the API serves.
type Loans interface {
	Borrow(ctx context.Context, copyID, memberID string) (lending.Loan, error)
	Return(ctx context.Context, loanID string) (lending.Loan, error)
	Renew(ctx context.Context, loanID string) (lending.Loan, error)
	GetLoan(ctx context.Context, loanID string) (lending.Loan, error)
	ListLoans(ctx context.Context, filter lending.LoanFilter, page ledger.PageRequest) (ledger.LoanPage, error)
}

// Copies is the part of the copy registry the API serves.
type Copies interface {
	AddCopy(ctx context.Context, bookID, branchID string, condition lending.CopyCondition) (lending.Copy, error)
	Availability(ctx context.Context, bookID string) (lending.Availability, error)
	ListCopies(ctx context.Context, filter lending.CopyFilter) ([]lending.Copy, error)
}

// Journal answers transaction queries.
type Journal interface {
	Query(ctx context.Context, filter lending.JournalFilter) ([]lending.Transaction, error)
}

// Handler routes requests to the lending components.
type Handler struct {
	loans    Loans
	copies   Copies
	journal  Journal
	mux      *http.ServeMux
	observer lending.Observer

	// staleness bounds the replication lag tolerated by GET requests; zero reads primaries only.
	staleness time.Duration
}

// Option defines a functional option for configuring the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Error level: requests answered with a 5xx status.
func WithLogger(logger lending.Logger) Option {
	return func(h *Handler) { h.observer.Logger = logger }
}

// WithContextualLogger sets a context-aware logger.
func WithContextualLogger(logger lending.ContextualLogger) Option {
	return func(h *Handler) { h.observer.ContextualLogger = logger }
}

// WithStalenessBound lets GET requests read from secondaries lagging at most bound.
func WithStalenessBound(bound time.Duration) Option {
	return func(h *Handler) { h.staleness = bound }
}

// NewHandler builds the HTTP surface of the lending engine.
func NewHandler(loans Loans, copies Copies, txJournal Journal, options ...Option) *Handler {
	h := &Handler{loans: loans, copies: copies, journal: txJournal, mux: http.NewServeMux()}

	for _, option := range options {
		option(h)
	}

	h.mux.HandleFunc("POST /loans/borrow", h.borrow)
	h.mux.HandleFunc("POST /loans/{id}/return", h.returnLoan)
	h.mux.HandleFunc("POST /loans/{id}/renew", h.renew)
	h.mux.HandleFunc("GET /loans/{id}", h.getLoan)
	h.mux.HandleFunc("GET /loans", h.listLoans)
	h.mux.HandleFunc("POST /copies", h.addCopy)
	h.mux.HandleFunc("GET /books/{id}/availability", h.availability)
	h.mux.HandleFunc("GET /books/{id}/copies", h.listCopies)
	h.mux.HandleFunc("GET /transactions", h.queryTransactions)
	h.mux.HandleFunc("GET /health", h.health)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && h.staleness > 0 {
		r = r.WithContext(lending.WithBoundedStaleness(r.Context(), h.staleness))
	}

	h.mux.ServeHTTP(w, r)
}

/***** loans *****/

type borrowRequest struct {
	CopyID   string `json:"copyId"`
	MemberID string `json:"memberId"`
}

func (h *Handler) borrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	if req.CopyID == "" || req.MemberID == "" {
		h.fail(w, r, fmt.Errorf("%w: copyId and memberId are required", lending.ErrInvalidArgument))
		return
	}

	loan, err := h.loans.Borrow(r.Context(), req.CopyID, req.MemberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Location", "/loans/"+loan.ID)
	writeJSON(w, http.StatusCreated, contentTypeJSON, loan)
}

func (h *Handler) returnLoan(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK)(h.loans.Return(r.Context(), r.PathValue("id")))
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK)(h.loans.Renew(r.Context(), r.PathValue("id")))
}

func (h *Handler) getLoan(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK)(h.loans.GetLoan(r.Context(), r.PathValue("id")))
}

func (h *Handler) listLoans(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	statuses, err := parseList(query.Get("status"), lending.ParseLoanStatus)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	size, err := parseInt(query.Get("pageSize"), "pageSize")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	filter := lending.BuildLoanFilter().
		ForMember(query.Get("memberId")).
		InBranch(query.Get("branchId")).
		WithAnyStatusOf(statuses...).
		Finalize()

	page, err := h.loans.ListLoans(r.Context(), filter, ledger.PageRequest{Size: size, Token: query.Get("pageToken")})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, contentTypeJSON, page)
}

/***** copies *****/

type addCopyRequest struct {
	BookID    string `json:"bookId"`
	BranchID  string `json:"branchId"`
	Condition string `json:"condition"`
}

func (h *Handler) addCopy(w http.ResponseWriter, r *http.Request) {
	var req addCopyRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	condition := lending.ConditionGood
	if req.Condition != "" {
		var err error
		if condition, err = lending.ParseCopyCondition(req.Condition); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	c, err := h.copies.AddCopy(r.Context(), req.BookID, req.BranchID, condition)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, contentTypeJSON, c)
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK)(h.copies.Availability(r.Context(), r.PathValue("id")))
}

func (h *Handler) listCopies(w http.ResponseWriter, r *http.Request) {
	filter := lending.CopyFilter{BookID: r.PathValue("id"), BranchID: r.URL.Query().Get("branchId")}

	if status := r.URL.Query().Get("status"); status != "" {
		var err error
		if filter.Status, err = lending.ParseCopyStatus(status); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	copies, err := h.copies.ListCopies(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, contentTypeJSON, map[string]any{"copies": copies})
}

/***** transactions *****/

func (h *Handler) queryTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	types, err := parseList(query.Get("type"), lending.ParseTransactionType)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	from, err := parseTime(query.Get("from"), "from")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	until, err := parseTime(query.Get("until"), "until")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	builder := lending.BuildJournalFilter().
		InBranch(query.Get("branchId")).
		OfAnyTypeOf(types...).
		ForMember(query.Get("memberId")).
		ForLoan(query.Get("loanId")).
		Between(from, until)

	limit, err := parseInt(query.Get("limit"), "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if limit > 0 {
		builder = builder.Limit(limit)
	}

	txs, err := h.journal.Query(r.Context(), builder.Finalize())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, contentTypeJSON, map[string]any{"transactions": txs})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, contentTypeJSON, map[string]string{"status": "ok"})
}

/***** plumbing *****/

// respond returns a sink for the (value, error) pair of a component call.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}

		writeJSON(w, status, contentTypeJSON, v)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	problem := problemFor(err, r.URL.Path)
	if problem.Status >= http.StatusInternalServerError {
		h.observer.Error(r.Context(), logMsgRequestFailed, err,
			logAttrMethod, r.Method, logAttrPath, r.URL.Path, logAttrStatus, problem.Status)
	}

	writeProblem(w, problem)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", lending.ErrInvalidArgument, err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseList[T any](raw string, parse func(string) (T, error)) ([]T, error) {
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	values := make([]T, 0, len(parts))

	for _, part := range parts {
		v, err := parse(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}

		values = append(values, v)
	}

	return values, nil
}

func parseInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", lending.ErrInvalidArgument, name)
	}

	return n, nil
}

func parseTime(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", lending.ErrInvalidArgument, name)
	}

	return t, nil
}
