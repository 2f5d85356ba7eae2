package provider

import (
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// MemoryProvider keeps the whole library in process memory. A single mutex
// serializes every mutation, so the issue/return read-check-write sequences
// are trivially atomic with respect to each other.
type MemoryProvider struct {
	mu      sync.RWMutex
	books   map[int64]Book
	readers map[int64]Reader
	loans   map[int64]Loan
	users   []User

	nextBookID   int64
	nextReaderID int64
	nextLoanID   int64
}

func NewMemoryProvider() *MemoryProvider {
	// Generate hash for "admin"
	adminHash, _ := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.DefaultCost)

	return &MemoryProvider{
		books:   make(map[int64]Book),
		readers: make(map[int64]Reader),
		loans:   make(map[int64]Loan),
		users: []User{
			{ID: 1, Username: "admin", PasswordHash: string(adminHash), Role: "admin"},
		},
	}
}

// --- Catalog Operations ---

func (m *MemoryProvider) CreateBook(book *Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBookID++
	book.ID = m.nextBookID
	m.books[book.ID] = *book
	return nil
}

func (m *MemoryProvider) GetBook(id int64) (*Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	return &b, nil
}

func (m *MemoryProvider) ListBooks(skip, limit int) ([]Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sortedBooks()
	start, end := pageBounds(len(all), skip, limit)
	return all[start:end], nil
}

func (m *MemoryProvider) SearchBooks(term string, skip, limit int) ([]Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	folded := FoldTerm(term)
	var matched []Book
	for _, b := range m.sortedBooks() {
		if matchBook(folded, b) {
			matched = append(matched, b)
		}
	}
	start, end := pageBounds(len(matched), skip, limit)
	return matched[start:end], nil
}

func (m *MemoryProvider) UpdateBook(id int64, book *Book) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return nil, ErrBookNotFound
	}
	book.ID = id
	m.books[id] = *book
	updated := m.books[id]
	return &updated, nil
}

func (m *MemoryProvider) DeleteBook(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return ErrBookNotFound
	}
	delete(m.books, id)
	return nil
}

// --- Reader Registry ---

func (m *MemoryProvider) CreateReader(reader *Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextReaderID++
	reader.ID = m.nextReaderID
	m.readers[reader.ID] = *reader
	return nil
}

func (m *MemoryProvider) GetReader(id int64) (*Reader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readers[id]
	if !ok {
		return nil, ErrReaderNotFound
	}
	return &r, nil
}

func (m *MemoryProvider) ListReaders(skip, limit int) ([]Reader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]Reader, 0, len(m.readers))
	for id := int64(1); id <= m.nextReaderID; id++ {
		if r, ok := m.readers[id]; ok {
			all = append(all, r)
		}
	}
	start, end := pageBounds(len(all), skip, limit)
	return all[start:end], nil
}

func (m *MemoryProvider) UpdateReader(id int64, reader *Reader) (*Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.readers[id]; !ok {
		return nil, ErrReaderNotFound
	}
	reader.ID = id
	m.readers[id] = *reader
	updated := m.readers[id]
	return &updated, nil
}

func (m *MemoryProvider) DeleteReader(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.readers[id]; !ok {
		return ErrReaderNotFound
	}
	delete(m.readers, id)
	return nil
}

// --- Circulation Operations ---

func (m *MemoryProvider) IssueBook(bookID, readerID, librarianID int64) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[bookID]
	if !ok {
		return nil, ErrBookNotFound
	}
	if book.Copies <= 0 {
		return nil, ErrOutOfStock
	}
	if _, ok := m.readers[readerID]; !ok {
		return nil, ErrReaderNotFound
	}
	if m.countOpenLoans(readerID) >= MaxOpenLoans {
		return nil, ErrBorrowLimit
	}

	book.Copies--
	m.books[bookID] = book

	m.nextLoanID++
	loan := Loan{
		ID:          m.nextLoanID,
		BookID:      bookID,
		ReaderID:    readerID,
		LibrarianID: librarianID,
		BorrowDate:  time.Now().UTC(),
	}
	m.loans[loan.ID] = loan
	return &loan, nil
}

func (m *MemoryProvider) ReturnBook(loanID, bookID, readerID int64) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loan, ok := m.loans[loanID]
	if !ok {
		return nil, ErrLoanNotFound
	}
	if loan.BookID != bookID || loan.ReaderID != readerID {
		return nil, ErrLoanMismatch
	}
	if !loan.Open() {
		return nil, ErrAlreadyReturned
	}
	book, ok := m.books[loan.BookID]
	if !ok {
		return nil, ErrBookNotFound
	}

	now := time.Now().UTC()
	loan.ReturnDate = &now
	m.loans[loanID] = loan

	book.Copies++
	m.books[loan.BookID] = book
	return &loan, nil
}

func (m *MemoryProvider) GetLoan(id int64) (*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loans[id]
	if !ok {
		return nil, ErrLoanNotFound
	}
	return &l, nil
}

func (m *MemoryProvider) ListLoans(skip, limit int) ([]Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sortedLoans(func(Loan) bool { return true })
	start, end := pageBounds(len(all), skip, limit)
	return all[start:end], nil
}

func (m *MemoryProvider) DeleteLoan(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	if loan.Open() {
		return ErrLoanStillOpen
	}
	delete(m.loans, id)
	return nil
}

func (m *MemoryProvider) OpenLoansByReader(readerID int64) ([]Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLoans(func(l Loan) bool {
		return l.ReaderID == readerID && l.Open()
	}), nil
}

func (m *MemoryProvider) LoansByReader(readerID int64) ([]Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLoans(func(l Loan) bool {
		return l.ReaderID == readerID
	}), nil
}

// countOpenLoans derives the reader's open-loan count from the ledger.
// Callers hold m.mu.
func (m *MemoryProvider) countOpenLoans(readerID int64) int {
	count := 0
	for _, l := range m.loans {
		if l.ReaderID == readerID && l.Open() {
			count++
		}
	}
	return count
}

func (m *MemoryProvider) sortedBooks() []Book {
	all := make([]Book, 0, len(m.books))
	for id := int64(1); id <= m.nextBookID; id++ {
		if b, ok := m.books[id]; ok {
			all = append(all, b)
		}
	}
	return all
}

func (m *MemoryProvider) sortedLoans(keep func(Loan) bool) []Loan {
	var all []Loan
	for id := int64(1); id <= m.nextLoanID; id++ {
		if l, ok := m.loans[id]; ok && keep(l) {
			all = append(all, l)
		}
	}
	return all
}

// --- User Management ---

func (m *MemoryProvider) CreateUser(user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Same uniqueness rule as the UNIQUE username column in the SQL backends.
	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrUserExists
		}
	}
	user.ID = int64(len(m.users) + 1)
	m.users = append(m.users, *user)
	return nil
}

func (m *MemoryProvider) GetUserByUsername(username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			// Return a copy
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

// --- Reporting ---

func (m *MemoryProvider) GetDashboardStats() (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	copies := 0
	for _, b := range m.books {
		copies += b.Copies
	}
	openLoans := 0
	for _, l := range m.loans {
		if l.Open() {
			openLoans++
		}
	}

	return map[string]interface{}{
		"total_books":      len(m.books),
		"copies_available": copies,
		"total_readers":    len(m.readers),
		"open_loans":       openLoans,
		"total_loans":      len(m.loans),
	}, nil
}
