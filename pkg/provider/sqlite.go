package provider

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// SQLiteProvider implements the Provider interface for a SQLite database.
//
// SQLite has a single writer, but a plain deferred transaction still lets two
// issue calls read the same copies count before either writes. circMu scopes
// the whole read-check-write sequence of IssueBook/ReturnBook, so the checks
// always see committed state.
type SQLiteProvider struct {
	db     *sql.DB
	circMu sync.Mutex
}

// NewSQLiteProvider creates a new provider using the given database file path.
// It initializes the schema if the required tables don't exist.
func NewSQLiteProvider(path string) (*SQLiteProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite provider requires a non-empty database path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db at %s: %w", path, err)
	}

	createBooksTableSQL := `
	CREATE TABLE IF NOT EXISTS books (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		year INTEGER,
		isbn TEXT UNIQUE,
		copies INTEGER NOT NULL DEFAULT 1 CHECK (copies >= 0),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(createBooksTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create books table: %w", err)
	}

	createReadersTableSQL := `
	CREATE TABLE IF NOT EXISTS readers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(createReadersTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create readers table: %w", err)
	}

	createLoansTableSQL := `
	CREATE TABLE IF NOT EXISTS borrowed_books (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id INTEGER NOT NULL,
		reader_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		borrow_date DATETIME NOT NULL,
		return_date DATETIME
	);
	`
	if _, err := db.Exec(createLoansTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create borrowed_books table: %w", err)
	}

	createUserTableSQL := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT DEFAULT 'user',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(createUserTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}

	// Seed admin user if not exists
	var userCount int
	db.QueryRow("SELECT COUNT(*) FROM users WHERE username = 'admin'").Scan(&userCount)
	if userCount == 0 {
		hash, _ := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.DefaultCost)
		db.Exec("INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)", "admin", string(hash), "admin")
	}

	return &SQLiteProvider{db: db}, nil
}

// --- Catalog Operations ---

func (p *SQLiteProvider) CreateBook(book *Book) error {
	res, err := p.db.Exec("INSERT INTO books (title, author, year, isbn, copies) VALUES (?, ?, ?, ?, ?)",
		book.Title, book.Author, nullInt(book.Year), nullStr(book.ISBN), book.Copies)
	if err != nil {
		return err
	}
	book.ID, _ = res.LastInsertId()
	return nil
}

func (p *SQLiteProvider) GetBook(id int64) (*Book, error) {
	return scanBook(p.db.QueryRow("SELECT id, title, author, year, isbn, copies FROM books WHERE id = ?", id))
}

func (p *SQLiteProvider) ListBooks(skip, limit int) ([]Book, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := p.db.Query("SELECT id, title, author, year, isbn, copies FROM books ORDER BY id LIMIT ? OFFSET ?", limit, skip)
	if err != nil {
		return nil, err
	}
	return collectBooks(rows)
}

func (p *SQLiteProvider) SearchBooks(term string, skip, limit int) ([]Book, error) {
	// Folding happens in Go: SQLite's LOWER() is ASCII-only.
	rows, err := p.db.Query("SELECT id, title, author, year, isbn, copies FROM books ORDER BY id")
	if err != nil {
		return nil, err
	}
	all, err := collectBooks(rows)
	if err != nil {
		return nil, err
	}
	folded := FoldTerm(term)
	matched := make([]Book, 0)
	for _, b := range all {
		if matchBook(folded, b) {
			matched = append(matched, b)
		}
	}
	start, end := pageBounds(len(matched), skip, limit)
	return matched[start:end], nil
}

func (p *SQLiteProvider) UpdateBook(id int64, book *Book) (*Book, error) {
	res, err := p.db.Exec("UPDATE books SET title = ?, author = ?, year = ?, isbn = ?, copies = ? WHERE id = ?",
		book.Title, book.Author, nullInt(book.Year), nullStr(book.ISBN), book.Copies, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrBookNotFound
	}
	return p.GetBook(id)
}

func (p *SQLiteProvider) DeleteBook(id int64) error {
	res, err := p.db.Exec("DELETE FROM books WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBookNotFound
	}
	return nil
}

// --- Reader Registry ---

func (p *SQLiteProvider) CreateReader(reader *Reader) error {
	res, err := p.db.Exec("INSERT INTO readers (name, email) VALUES (?, ?)", reader.Name, reader.Email)
	if err != nil {
		return err
	}
	reader.ID, _ = res.LastInsertId()
	return nil
}

func (p *SQLiteProvider) GetReader(id int64) (*Reader, error) {
	var r Reader
	err := p.db.QueryRow("SELECT id, name, email FROM readers WHERE id = ?", id).Scan(&r.ID, &r.Name, &r.Email)
	if err == sql.ErrNoRows {
		return nil, ErrReaderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *SQLiteProvider) ListReaders(skip, limit int) ([]Reader, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := p.db.Query("SELECT id, name, email FROM readers ORDER BY id LIMIT ? OFFSET ?", limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readers []Reader
	for rows.Next() {
		var r Reader
		if err := rows.Scan(&r.ID, &r.Name, &r.Email); err != nil {
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, rows.Err()
}

func (p *SQLiteProvider) UpdateReader(id int64, reader *Reader) (*Reader, error) {
	res, err := p.db.Exec("UPDATE readers SET name = ?, email = ? WHERE id = ?", reader.Name, reader.Email, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrReaderNotFound
	}
	return p.GetReader(id)
}

func (p *SQLiteProvider) DeleteReader(id int64) error {
	res, err := p.db.Exec("DELETE FROM readers WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReaderNotFound
	}
	return nil
}

// --- Circulation Operations ---

func (p *SQLiteProvider) IssueBook(bookID, readerID, librarianID int64) (*Loan, error) {
	p.circMu.Lock()
	defer p.circMu.Unlock()

	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var copies int
	err = tx.QueryRow("SELECT copies FROM books WHERE id = ?", bookID).Scan(&copies)
	if err == sql.ErrNoRows {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, err
	}
	if copies <= 0 {
		return nil, ErrOutOfStock
	}

	var readerExists int
	err = tx.QueryRow("SELECT COUNT(*) FROM readers WHERE id = ?", readerID).Scan(&readerExists)
	if err != nil {
		return nil, err
	}
	if readerExists == 0 {
		return nil, ErrReaderNotFound
	}

	var open int
	err = tx.QueryRow("SELECT COUNT(*) FROM borrowed_books WHERE reader_id = ? AND return_date IS NULL", readerID).Scan(&open)
	if err != nil {
		return nil, err
	}
	if open >= MaxOpenLoans {
		return nil, ErrBorrowLimit
	}

	now := time.Now().UTC()
	res, err := tx.Exec("INSERT INTO borrowed_books (book_id, reader_id, user_id, borrow_date) VALUES (?, ?, ?, ?)",
		bookID, readerID, librarianID, now)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec("UPDATE books SET copies = copies - 1 WHERE id = ?", bookID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	loanID, _ := res.LastInsertId()
	return &Loan{
		ID:          loanID,
		BookID:      bookID,
		ReaderID:    readerID,
		LibrarianID: librarianID,
		BorrowDate:  now,
	}, nil
}

func (p *SQLiteProvider) ReturnBook(loanID, bookID, readerID int64) (*Loan, error) {
	p.circMu.Lock()
	defer p.circMu.Unlock()

	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	loan, err := scanLoan(tx.QueryRow(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books WHERE id = ?", loanID))
	if err != nil {
		return nil, err
	}
	if loan.BookID != bookID || loan.ReaderID != readerID {
		return nil, ErrLoanMismatch
	}
	if !loan.Open() {
		return nil, ErrAlreadyReturned
	}

	var bookExists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM books WHERE id = ?", loan.BookID).Scan(&bookExists); err != nil {
		return nil, err
	}
	if bookExists == 0 {
		return nil, ErrBookNotFound
	}

	now := time.Now().UTC()
	if _, err := tx.Exec("UPDATE borrowed_books SET return_date = ? WHERE id = ?", now, loanID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec("UPDATE books SET copies = copies + 1 WHERE id = ?", loan.BookID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	loan.ReturnDate = &now
	return loan, nil
}

func (p *SQLiteProvider) GetLoan(id int64) (*Loan, error) {
	return scanLoan(p.db.QueryRow(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books WHERE id = ?", id))
}

func (p *SQLiteProvider) ListLoans(skip, limit int) ([]Loan, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := p.db.Query(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books ORDER BY id LIMIT ? OFFSET ?",
		limit, skip)
	if err != nil {
		return nil, err
	}
	return collectLoans(rows)
}

func (p *SQLiteProvider) DeleteLoan(id int64) error {
	p.circMu.Lock()
	defer p.circMu.Unlock()

	loan, err := p.GetLoan(id)
	if err != nil {
		return err
	}
	if loan.Open() {
		return ErrLoanStillOpen
	}
	_, err = p.db.Exec("DELETE FROM borrowed_books WHERE id = ?", id)
	return err
}

func (p *SQLiteProvider) OpenLoansByReader(readerID int64) ([]Loan, error) {
	rows, err := p.db.Query(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books WHERE reader_id = ? AND return_date IS NULL ORDER BY id",
		readerID)
	if err != nil {
		return nil, err
	}
	return collectLoans(rows)
}

func (p *SQLiteProvider) LoansByReader(readerID int64) ([]Loan, error) {
	rows, err := p.db.Query(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books WHERE reader_id = ? ORDER BY id",
		readerID)
	if err != nil {
		return nil, err
	}
	return collectLoans(rows)
}

// --- User Management ---

func (p *SQLiteProvider) CreateUser(user *User) error {
	res, err := p.db.Exec("INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)",
		user.Username, user.PasswordHash, user.Role)
	if err != nil {
		return err
	}
	user.ID, _ = res.LastInsertId()
	return nil
}

func (p *SQLiteProvider) GetUserByUsername(username string) (*User, error) {
	var user User
	err := p.db.QueryRow("SELECT id, username, password_hash, role FROM users WHERE username = ?", username).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// --- Reporting ---

func (p *SQLiteProvider) GetDashboardStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var books, copies, readers, openLoans, totalLoans int
	p.db.QueryRow("SELECT COUNT(*) FROM books").Scan(&books)
	p.db.QueryRow("SELECT COALESCE(SUM(copies), 0) FROM books").Scan(&copies)
	p.db.QueryRow("SELECT COUNT(*) FROM readers").Scan(&readers)
	p.db.QueryRow("SELECT COUNT(*) FROM borrowed_books WHERE return_date IS NULL").Scan(&openLoans)
	p.db.QueryRow("SELECT COUNT(*) FROM borrowed_books").Scan(&totalLoans)

	stats["total_books"] = books
	stats["copies_available"] = copies
	stats["total_readers"] = readers
	stats["open_loans"] = openLoans
	stats["total_loans"] = totalLoans
	return stats, nil
}

// --- Scan Helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBook(row rowScanner) (*Book, error) {
	var b Book
	var year sql.NullInt64
	var isbn sql.NullString
	err := row.Scan(&b.ID, &b.Title, &b.Author, &year, &isbn, &b.Copies)
	if err == sql.ErrNoRows {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, err
	}
	if year.Valid {
		b.Year = int(year.Int64)
	}
	if isbn.Valid {
		b.ISBN = isbn.String
	}
	return &b, nil
}

func collectBooks(rows *sql.Rows) ([]Book, error) {
	defer rows.Close()
	var books []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

func scanLoan(row rowScanner) (*Loan, error) {
	var l Loan
	var returned sql.NullTime
	err := row.Scan(&l.ID, &l.BookID, &l.ReaderID, &l.LibrarianID, &l.BorrowDate, &returned)
	if err == sql.ErrNoRows {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, err
	}
	if returned.Valid {
		t := returned.Time
		l.ReturnDate = &t
	}
	return &l, nil
}

func collectLoans(rows *sql.Rows) ([]Loan, error) {
	defer rows.Close()
	var loans []Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, *l)
	}
	return loans, rows.Err()
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
