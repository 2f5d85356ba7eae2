package provider

import (
	"errors"
	"time"
)

// MaxOpenLoans is the circulation cap: a reader may hold at most this many
// unreturned books at any time.
const MaxOpenLoans = 3

// Book is a catalog record. Copies counts the physical units currently on
// the shelf (not lent out); it is mutated only by IssueBook and ReturnBook.
type Book struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Year   int    `json:"year,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
	Copies int    `json:"copies"`
}

// Reader is a registered library patron. The open-loan count is always
// derived from the loan ledger, never stored here.
type Reader struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Loan is one ledger entry. ReturnDate is nil while the loan is open and is
// set exactly once on return.
type Loan struct {
	ID          int64      `json:"id"`
	BookID      int64      `json:"book_id"`
	ReaderID    int64      `json:"reader_id"`
	LibrarianID int64      `json:"librarian_id"`
	BorrowDate  time.Time  `json:"borrow_date"`
	ReturnDate  *time.Time `json:"return_date,omitempty"`
}

// Open reports whether the loan has not been returned yet.
func (l *Loan) Open() bool {
	return l.ReturnDate == nil
}

type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`    // Never export password hash
	Role         string `json:"role"` // "admin", "user"
}

// Typed circulation failures. Handlers map these with errors.Is; providers
// return them unwrapped or wrapped with %w.
var (
	ErrBookNotFound    = errors.New("book not found")
	ErrReaderNotFound  = errors.New("reader not found")
	ErrLoanNotFound    = errors.New("loan not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("username already taken")
	ErrOutOfStock      = errors.New("no available copies")
	ErrBorrowLimit     = errors.New("reader has already borrowed 3 books")
	ErrLoanMismatch    = errors.New("this book was not borrowed by this reader")
	ErrAlreadyReturned = errors.New("book already returned")
	ErrLoanStillOpen   = errors.New("borrowed book not returned yet")
)

type Provider interface {
	// --- Catalog Operations ---

	// CreateBook stores a new book and fills in its assigned ID.
	CreateBook(book *Book) error
	GetBook(id int64) (*Book, error)
	ListBooks(skip, limit int) ([]Book, error)
	// SearchBooks matches title/author/ISBN with Unicode case folding.
	SearchBooks(term string, skip, limit int) ([]Book, error)
	UpdateBook(id int64, book *Book) (*Book, error)
	DeleteBook(id int64) error

	// --- Reader Registry ---

	CreateReader(reader *Reader) error
	GetReader(id int64) (*Reader, error)
	ListReaders(skip, limit int) ([]Reader, error)
	UpdateReader(id int64, reader *Reader) (*Reader, error)
	DeleteReader(id int64) error

	// --- Circulation Operations ---

	// IssueBook lends one copy of a book to a reader. The availability check,
	// the per-reader loan cap and the copies decrement happen atomically:
	// concurrent issues against the last copy admit exactly one.
	IssueBook(bookID, readerID, librarianID int64) (*Loan, error)

	// ReturnBook closes an open loan after verifying it references the given
	// book/reader pair, and puts the copy back on the shelf atomically.
	ReturnBook(loanID, bookID, readerID int64) (*Loan, error)

	GetLoan(id int64) (*Loan, error)
	ListLoans(skip, limit int) ([]Loan, error)

	// DeleteLoan removes a closed ledger entry. Deleting an open loan is
	// refused: it would lose the record that a copy is checked out.
	DeleteLoan(id int64) error

	// OpenLoansByReader returns the reader's unreturned loans.
	OpenLoansByReader(readerID int64) ([]Loan, error)
	// LoansByReader returns every loan ever issued to the reader.
	LoansByReader(readerID int64) ([]Loan, error)

	// --- User Management ---

	CreateUser(user *User) error
	GetUserByUsername(username string) (*User, error)

	// --- Reporting ---

	GetDashboardStats() (map[string]interface{}, error)
}
