package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yourusername/library-circulation/pkg/auth"
	"github.com/yourusername/library-circulation/pkg/provider"
	"golang.org/x/crypto/bcrypt"
)

func apiRequest(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}
	req.Header.Set("X-API-Key", "test-key")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIssueBookHandler(t *testing.T) {
	mockProv := &MockProvider{}
	mockProv.IssueBookFunc = func(bookID, readerID, librarianID int64) (*provider.Loan, error) {
		return &provider.Loan{ID: 1, BookID: bookID, ReaderID: readerID, BorrowDate: time.Now()}, nil
	}

	// MUST set environment variable BEFORE setupRouter because authMiddleware captures it
	t.Setenv("LIBRARY_API_KEY", "test-key")
	r := setupRouter(mockProv)

	w := apiRequest(t, r, "POST", "/api/loans", `{"book_id": 1, "reader_id": 2}`)
	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d. Body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data provider.Loan `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Data.BookID != 1 || resp.Data.ReaderID != 2 {
		t.Errorf("Loan echoed wrong ids: %+v", resp.Data)
	}
}

func TestIssueBookFailures(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"out of stock", provider.ErrOutOfStock, http.StatusBadRequest},
		{"borrow limit", provider.ErrBorrowLimit, http.StatusBadRequest},
		{"missing book", provider.ErrBookNotFound, http.StatusNotFound},
		{"missing reader", provider.ErrReaderNotFound, http.StatusNotFound},
	}

	t.Setenv("LIBRARY_API_KEY", "test-key")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mockProv := &MockProvider{}
			mockProv.IssueBookFunc = func(bookID, readerID, librarianID int64) (*provider.Loan, error) {
				return nil, tc.err
			}
			r := setupRouter(mockProv)

			w := apiRequest(t, r, "POST", "/api/loans", `{"book_id": 1, "reader_id": 2}`)
			if w.Code != tc.wantCode {
				t.Errorf("Expected %d, got %d. Body: %s", tc.wantCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestReturnBookHandler(t *testing.T) {
	returned := time.Now()
	mockProv := &MockProvider{}
	mockProv.ReturnBookFunc = func(loanID, bookID, readerID int64) (*provider.Loan, error) {
		if loanID != 5 {
			return nil, provider.ErrLoanNotFound
		}
		return &provider.Loan{ID: loanID, BookID: bookID, ReaderID: readerID, ReturnDate: &returned}, nil
	}

	t.Setenv("LIBRARY_API_KEY", "test-key")
	r := setupRouter(mockProv)

	w := apiRequest(t, r, "PUT", "/api/loans/return", `{"loan_id": 5, "book_id": 1, "reader_id": 2}`)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d. Body: %s", w.Code, w.Body.String())
	}

	w = apiRequest(t, r, "PUT", "/api/loans/return", `{"loan_id": 99, "book_id": 1, "reader_id": 2}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown loan, got %d", w.Code)
	}
}

func TestReturnBookRejectsDoubleReturn(t *testing.T) {
	mockProv := &MockProvider{}
	mockProv.ReturnBookFunc = func(loanID, bookID, readerID int64) (*provider.Loan, error) {
		return nil, provider.ErrAlreadyReturned
	}

	t.Setenv("LIBRARY_API_KEY", "test-key")
	r := setupRouter(mockProv)

	w := apiRequest(t, r, "PUT", "/api/loans/return", `{"loan_id": 5, "book_id": 1, "reader_id": 2}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d. Body: %s", w.Code, w.Body.String())
	}
}

func TestDeleteOpenLoanRefused(t *testing.T) {
	mockProv := &MockProvider{}
	mockProv.DeleteLoanFunc = func(id int64) error {
		return provider.ErrLoanStillOpen
	}

	t.Setenv("LIBRARY_API_KEY", "test-key")
	r := setupRouter(mockProv)

	w := apiRequest(t, r, "DELETE", "/api/loans/1", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d. Body: %s", w.Code, w.Body.String())
	}
}

func TestCreateBookHandler(t *testing.T) {
	mockProv := &MockProvider{}
	mockProv.CreateBookFunc = func(book *provider.Book) error {
		book.ID = 7
		return nil
	}

	t.Setenv("LIBRARY_API_KEY", "test-key")
	r := setupRouter(mockProv)

	w := apiRequest(t, r, "POST", "/api/books", `{"title": "Dune", "author": "Herbert", "copies": 3}`)
	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d. Body: %s", w.Code, w.Body.String())
	}

	// Negative copies must be rejected before hitting storage
	w = apiRequest(t, r, "POST", "/api/books", `{"title": "Dune", "author": "Herbert", "copies": -1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative copies, got %d", w.Code)
	}

	// Missing required fields
	w = apiRequest(t, r, "POST", "/api/books", `{"title": "Dune"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing author, got %d", w.Code)
	}
}

func TestListBooksClampsNegativePaging(t *testing.T) {
	var gotSkip, gotLimit int
	mockProv := &MockProvider{}
	mockProv.ListBooksFunc = func(skip, limit int) ([]provider.Book, error) {
		gotSkip, gotLimit = skip, limit
		return []provider.Book{}, nil
	}

	t.Setenv("LIBRARY_API_KEY", "test-key")
	r := setupRouter(mockProv)

	w := apiRequest(t, r, "GET", "/api/books?skip=-1&limit=-5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	if gotSkip != 0 || gotLimit != 100 {
		t.Errorf("skip/limit = %d/%d, want 0/100", gotSkip, gotLimit)
	}
}

func TestSearchBooksHandler(t *testing.T) {
	mockProv := &MockProvider{}
	mockProv.SearchBooksFunc = func(term string, skip, limit int) ([]provider.Book, error) {
		if term != "dune" {
			t.Errorf("Unexpected search term: %q", term)
		}
		return []provider.Book{{ID: 1, Title: "Dune", Author: "Herbert", Copies: 2}}, nil
	}

	t.Setenv("LIBRARY_API_KEY", "test-key")
	r := setupRouter(mockProv)

	w := apiRequest(t, r, "GET", "/api/books/search?query=dune", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d. Body: %s", w.Code, w.Body.String())
	}

	w = apiRequest(t, r, "GET", "/api/books/search", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing query, got %d", w.Code)
	}
}

func TestReaderLoansHandler(t *testing.T) {
	mockProv := &MockProvider{}
	mockProv.OpenLoansByReaderFunc = func(readerID int64) ([]provider.Loan, error) {
		if readerID == 2 {
			return []provider.Loan{{ID: 1, BookID: 1, ReaderID: 2, BorrowDate: time.Now()}}, nil
		}
		return nil, nil
	}

	t.Setenv("LIBRARY_API_KEY", "test-key")
	r := setupRouter(mockProv)

	w := apiRequest(t, r, "GET", "/api/loans/reader/2/open", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d. Body: %s", w.Code, w.Body.String())
	}

	w = apiRequest(t, r, "GET", "/api/loans/reader/9/open", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for reader without loans, got %d", w.Code)
	}
}

func TestAuthLogin(t *testing.T) {
	mockProv := &MockProvider{}
	hash, _ := auth.HashPassword("secret")

	mockProv.GetUserByUsernameFunc = func(username string) (*provider.User, error) {
		if username == "valid" {
			return &provider.User{ID: 3, Username: "valid", PasswordHash: hash, Role: "user"}, nil
		}
		return nil, bcrypt.ErrMismatchedHashAndPassword // Simulate not found
	}

	r := setupRouter(mockProv)

	// 1. Success
	body := `{"username": "valid", "password": "secret"}`
	req, _ := http.NewRequest("POST", "/api/auth/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Login failed. Code: %d, Body: %s", w.Code, w.Body.String())
	}

	// 2. Fail
	body = `{"username": "valid", "password": "wrong"}`
	req, _ = http.NewRequest("POST", "/api/auth/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	mockProv := &MockProvider{}
	hash, _ := auth.HashPassword("secret")
	mockProv.GetUserByUsernameFunc = func(username string) (*provider.User, error) {
		return &provider.User{ID: 3, Username: "valid", PasswordHash: hash, Role: "user"}, nil
	}
	mockProv.ListBooksFunc = func(skip, limit int) ([]provider.Book, error) {
		return []provider.Book{}, nil
	}

	r := setupRouter(mockProv)

	body := `{"username": "valid", "password": "secret"}`
	req, _ := http.NewRequest("POST", "/api/auth/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Login failed. Code: %d, Body: %s", w.Code, w.Body.String())
	}

	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad login body: %v", err)
	}

	// Token must open a protected route
	req, _ = http.NewRequest("GET", "/api/books", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Token rejected: %d, Body: %s", w.Code, w.Body.String())
	}
}

func TestAdminStatsRequiresAdminRole(t *testing.T) {
	mockProv := &MockProvider{}
	hash, _ := auth.HashPassword("secret")
	mockProv.GetUserByUsernameFunc = func(username string) (*provider.User, error) {
		return &provider.User{ID: 4, Username: "clerk", PasswordHash: hash, Role: "user"}, nil
	}
	mockProv.GetDashboardStatsFunc = func() (map[string]interface{}, error) {
		return map[string]interface{}{"open_loans": 0}, nil
	}

	r := setupRouter(mockProv)

	user := &provider.User{ID: 4, Username: "clerk", Role: "user"}
	token, _ := auth.GenerateToken(user)

	req, _ := http.NewRequest("GET", "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-admin, got %d", w.Code)
	}

	admin := &provider.User{ID: 1, Username: "admin", Role: "admin"}
	token, _ = auth.GenerateToken(admin)
	req, _ = http.NewRequest("GET", "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for admin, got %d. Body: %s", w.Code, w.Body.String())
	}
}
