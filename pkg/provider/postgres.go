package provider

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

// PostgresProvider implements the Provider interface on PostgreSQL. Unlike
// the sqlite backend it needs no process-level mutex: IssueBook/ReturnBook
// take a row lock on the book (SELECT ... FOR UPDATE) so the read-check-write
// sequence is serialized per book across all connections, and the open-loan
// count is computed inside the same transaction.
type PostgresProvider struct {
	db *sql.DB
}

func NewPostgresProvider(dsn string) (*PostgresProvider, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres provider requires a non-empty DSN")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres db: %w", err)
	}

	// Init Tables
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS books (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			year INTEGER,
			isbn TEXT UNIQUE,
			copies INTEGER NOT NULL DEFAULT 1 CHECK (copies >= 0),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("failed to create books table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS readers (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("failed to create readers table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS borrowed_books (
			id BIGSERIAL PRIMARY KEY,
			book_id BIGINT NOT NULL,
			reader_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			borrow_date TIMESTAMPTZ NOT NULL,
			return_date TIMESTAMPTZ
		)
	`); err != nil {
		return nil, fmt.Errorf("failed to create borrowed_books table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT DEFAULT 'user',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}

	// Seed admin user if not exists
	var userCount int
	db.QueryRow("SELECT COUNT(*) FROM users WHERE username = 'admin'").Scan(&userCount)
	if userCount == 0 {
		hash, _ := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.DefaultCost)
		db.Exec("INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3)", "admin", string(hash), "admin")
	}

	return &PostgresProvider{db: db}, nil
}

// --- Catalog Operations ---

func (p *PostgresProvider) CreateBook(book *Book) error {
	return p.db.QueryRow(
		"INSERT INTO books (title, author, year, isbn, copies) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		book.Title, book.Author, nullInt(book.Year), nullStr(book.ISBN), book.Copies).Scan(&book.ID)
}

func (p *PostgresProvider) GetBook(id int64) (*Book, error) {
	return scanBook(p.db.QueryRow("SELECT id, title, author, year, isbn, copies FROM books WHERE id = $1", id))
}

func (p *PostgresProvider) ListBooks(skip, limit int) ([]Book, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := p.db.Query("SELECT id, title, author, year, isbn, copies FROM books ORDER BY id LIMIT $1 OFFSET $2", limit, skip)
	if err != nil {
		return nil, err
	}
	return collectBooks(rows)
}

func (p *PostgresProvider) SearchBooks(term string, skip, limit int) ([]Book, error) {
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

func (p *PostgresProvider) UpdateBook(id int64, book *Book) (*Book, error) {
	res, err := p.db.Exec("UPDATE books SET title = $1, author = $2, year = $3, isbn = $4, copies = $5 WHERE id = $6",
		book.Title, book.Author, nullInt(book.Year), nullStr(book.ISBN), book.Copies, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrBookNotFound
	}
	return p.GetBook(id)
}

func (p *PostgresProvider) DeleteBook(id int64) error {
	res, err := p.db.Exec("DELETE FROM books WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBookNotFound
	}
	return nil
}

// --- Reader Registry ---

func (p *PostgresProvider) CreateReader(reader *Reader) error {
	return p.db.QueryRow("INSERT INTO readers (name, email) VALUES ($1, $2) RETURNING id",
		reader.Name, reader.Email).Scan(&reader.ID)
}

func (p *PostgresProvider) GetReader(id int64) (*Reader, error) {
	var r Reader
	err := p.db.QueryRow("SELECT id, name, email FROM readers WHERE id = $1", id).Scan(&r.ID, &r.Name, &r.Email)
	if err == sql.ErrNoRows {
		return nil, ErrReaderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresProvider) ListReaders(skip, limit int) ([]Reader, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := p.db.Query("SELECT id, name, email FROM readers ORDER BY id LIMIT $1 OFFSET $2", limit, skip)
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

func (p *PostgresProvider) UpdateReader(id int64, reader *Reader) (*Reader, error) {
	res, err := p.db.Exec("UPDATE readers SET name = $1, email = $2 WHERE id = $3", reader.Name, reader.Email, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrReaderNotFound
	}
	return p.GetReader(id)
}

func (p *PostgresProvider) DeleteReader(id int64) error {
	res, err := p.db.Exec("DELETE FROM readers WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReaderNotFound
	}
	return nil
}

// --- Circulation Operations ---

func (p *PostgresProvider) IssueBook(bookID, readerID, librarianID int64) (*Loan, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Row lock on the book serializes concurrent issues/returns for it.
	var copies int
	err = tx.QueryRow("SELECT copies FROM books WHERE id = $1 FOR UPDATE", bookID).Scan(&copies)
	if err == sql.ErrNoRows {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, err
	}
	if copies <= 0 {
		return nil, ErrOutOfStock
	}

	// Lock the reader row too: the open-loan cap must hold under concurrent
	// issues of different books to the same reader.
	var rid int64
	err = tx.QueryRow("SELECT id FROM readers WHERE id = $1 FOR UPDATE", readerID).Scan(&rid)
	if err == sql.ErrNoRows {
		return nil, ErrReaderNotFound
	}
	if err != nil {
		return nil, err
	}

	var open int
	err = tx.QueryRow("SELECT COUNT(*) FROM borrowed_books WHERE reader_id = $1 AND return_date IS NULL", readerID).Scan(&open)
	if err != nil {
		return nil, err
	}
	if open >= MaxOpenLoans {
		return nil, ErrBorrowLimit
	}

	now := time.Now().UTC()
	var loanID int64
	err = tx.QueryRow(
		"INSERT INTO borrowed_books (book_id, reader_id, user_id, borrow_date) VALUES ($1, $2, $3, $4) RETURNING id",
		bookID, readerID, librarianID, now).Scan(&loanID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec("UPDATE books SET copies = copies - 1 WHERE id = $1", bookID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Loan{
		ID:          loanID,
		BookID:      bookID,
		ReaderID:    readerID,
		LibrarianID: librarianID,
		BorrowDate:  now,
	}, nil
}

func (p *PostgresProvider) ReturnBook(loanID, bookID, readerID int64) (*Loan, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	loan, err := scanLoan(tx.QueryRow(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books WHERE id = $1 FOR UPDATE", loanID))
	if err != nil {
		return nil, err
	}
	if loan.BookID != bookID || loan.ReaderID != readerID {
		return nil, ErrLoanMismatch
	}
	if !loan.Open() {
		return nil, ErrAlreadyReturned
	}

	var bid int64
	err = tx.QueryRow("SELECT id FROM books WHERE id = $1 FOR UPDATE", loan.BookID).Scan(&bid)
	if err == sql.ErrNoRows {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec("UPDATE borrowed_books SET return_date = $1 WHERE id = $2", now, loanID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec("UPDATE books SET copies = copies + 1 WHERE id = $1", loan.BookID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	loan.ReturnDate = &now
	return loan, nil
}

func (p *PostgresProvider) GetLoan(id int64) (*Loan, error) {
	return scanLoan(p.db.QueryRow(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books WHERE id = $1", id))
}

func (p *PostgresProvider) ListLoans(skip, limit int) ([]Loan, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := p.db.Query(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books ORDER BY id LIMIT $1 OFFSET $2",
		limit, skip)
	if err != nil {
		return nil, err
	}
	return collectLoans(rows)
}

func (p *PostgresProvider) DeleteLoan(id int64) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := scanLoan(tx.QueryRow(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return err
	}
	if loan.Open() {
		return ErrLoanStillOpen
	}
	if _, err := tx.Exec("DELETE FROM borrowed_books WHERE id = $1", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresProvider) OpenLoansByReader(readerID int64) ([]Loan, error) {
	rows, err := p.db.Query(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books WHERE reader_id = $1 AND return_date IS NULL ORDER BY id",
		readerID)
	if err != nil {
		return nil, err
	}
	return collectLoans(rows)
}

func (p *PostgresProvider) LoansByReader(readerID int64) ([]Loan, error) {
	rows, err := p.db.Query(
		"SELECT id, book_id, reader_id, user_id, borrow_date, return_date FROM borrowed_books WHERE reader_id = $1 ORDER BY id",
		readerID)
	if err != nil {
		return nil, err
	}
	return collectLoans(rows)
}

// --- User Management ---

func (p *PostgresProvider) CreateUser(user *User) error {
	return p.db.QueryRow("INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3) RETURNING id",
		user.Username, user.PasswordHash, user.Role).Scan(&user.ID)
}

func (p *PostgresProvider) GetUserByUsername(username string) (*User, error) {
	var user User
	err := p.db.QueryRow("SELECT id, username, password_hash, role FROM users WHERE username = $1", username).
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

func (p *PostgresProvider) GetDashboardStats() (map[string]interface{}, error) {
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
