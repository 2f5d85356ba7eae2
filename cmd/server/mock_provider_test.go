package main

import (
	"github.com/yourusername/library-circulation/pkg/provider"
)

type MockProvider struct {
	CreateBookFunc        func(book *provider.Book) error
	GetBookFunc           func(id int64) (*provider.Book, error)
	ListBooksFunc         func(skip, limit int) ([]provider.Book, error)
	SearchBooksFunc       func(term string, skip, limit int) ([]provider.Book, error)
	UpdateBookFunc        func(id int64, book *provider.Book) (*provider.Book, error)
	DeleteBookFunc        func(id int64) error
	CreateReaderFunc      func(reader *provider.Reader) error
	GetReaderFunc         func(id int64) (*provider.Reader, error)
	ListReadersFunc       func(skip, limit int) ([]provider.Reader, error)
	UpdateReaderFunc      func(id int64, reader *provider.Reader) (*provider.Reader, error)
	DeleteReaderFunc      func(id int64) error
	IssueBookFunc         func(bookID, readerID, librarianID int64) (*provider.Loan, error)
	ReturnBookFunc        func(loanID, bookID, readerID int64) (*provider.Loan, error)
	GetLoanFunc           func(id int64) (*provider.Loan, error)
	ListLoansFunc         func(skip, limit int) ([]provider.Loan, error)
	DeleteLoanFunc        func(id int64) error
	OpenLoansByReaderFunc func(readerID int64) ([]provider.Loan, error)
	LoansByReaderFunc     func(readerID int64) ([]provider.Loan, error)
	CreateUserFunc        func(user *provider.User) error
	GetUserByUsernameFunc func(username string) (*provider.User, error)
	GetDashboardStatsFunc func() (map[string]interface{}, error)
}

func (m *MockProvider) CreateBook(book *provider.Book) error {
	if m.CreateBookFunc != nil {
		return m.CreateBookFunc(book)
	}
	return nil
}

func (m *MockProvider) GetBook(id int64) (*provider.Book, error) {
	if m.GetBookFunc != nil {
		return m.GetBookFunc(id)
	}
	return nil, provider.ErrBookNotFound
}

func (m *MockProvider) ListBooks(skip, limit int) ([]provider.Book, error) {
	if m.ListBooksFunc != nil {
		return m.ListBooksFunc(skip, limit)
	}
	return nil, nil
}

func (m *MockProvider) SearchBooks(term string, skip, limit int) ([]provider.Book, error) {
	if m.SearchBooksFunc != nil {
		return m.SearchBooksFunc(term, skip, limit)
	}
	return nil, nil
}

func (m *MockProvider) UpdateBook(id int64, book *provider.Book) (*provider.Book, error) {
	if m.UpdateBookFunc != nil {
		return m.UpdateBookFunc(id, book)
	}
	return nil, provider.ErrBookNotFound
}

func (m *MockProvider) DeleteBook(id int64) error {
	if m.DeleteBookFunc != nil {
		return m.DeleteBookFunc(id)
	}
	return nil
}

func (m *MockProvider) CreateReader(reader *provider.Reader) error {
	if m.CreateReaderFunc != nil {
		return m.CreateReaderFunc(reader)
	}
	return nil
}

func (m *MockProvider) GetReader(id int64) (*provider.Reader, error) {
	if m.GetReaderFunc != nil {
		return m.GetReaderFunc(id)
	}
	return nil, provider.ErrReaderNotFound
}

func (m *MockProvider) ListReaders(skip, limit int) ([]provider.Reader, error) {
	if m.ListReadersFunc != nil {
		return m.ListReadersFunc(skip, limit)
	}
	return nil, nil
}

func (m *MockProvider) UpdateReader(id int64, reader *provider.Reader) (*provider.Reader, error) {
	if m.UpdateReaderFunc != nil {
		return m.UpdateReaderFunc(id, reader)
	}
	return nil, provider.ErrReaderNotFound
}

func (m *MockProvider) DeleteReader(id int64) error {
	if m.DeleteReaderFunc != nil {
		return m.DeleteReaderFunc(id)
	}
	return nil
}

func (m *MockProvider) IssueBook(bookID, readerID, librarianID int64) (*provider.Loan, error) {
	if m.IssueBookFunc != nil {
		return m.IssueBookFunc(bookID, readerID, librarianID)
	}
	return nil, provider.ErrBookNotFound
}

func (m *MockProvider) ReturnBook(loanID, bookID, readerID int64) (*provider.Loan, error) {
	if m.ReturnBookFunc != nil {
		return m.ReturnBookFunc(loanID, bookID, readerID)
	}
	return nil, provider.ErrLoanNotFound
}

func (m *MockProvider) GetLoan(id int64) (*provider.Loan, error) {
	if m.GetLoanFunc != nil {
		return m.GetLoanFunc(id)
	}
	return nil, provider.ErrLoanNotFound
}

func (m *MockProvider) ListLoans(skip, limit int) ([]provider.Loan, error) {
	if m.ListLoansFunc != nil {
		return m.ListLoansFunc(skip, limit)
	}
	return nil, nil
}

func (m *MockProvider) DeleteLoan(id int64) error {
	if m.DeleteLoanFunc != nil {
		return m.DeleteLoanFunc(id)
	}
	return nil
}

func (m *MockProvider) OpenLoansByReader(readerID int64) ([]provider.Loan, error) {
	if m.OpenLoansByReaderFunc != nil {
		return m.OpenLoansByReaderFunc(readerID)
	}
	return nil, nil
}

func (m *MockProvider) LoansByReader(readerID int64) ([]provider.Loan, error) {
	if m.LoansByReaderFunc != nil {
		return m.LoansByReaderFunc(readerID)
	}
	return nil, nil
}

func (m *MockProvider) CreateUser(user *provider.User) error {
	if m.CreateUserFunc != nil {
		return m.CreateUserFunc(user)
	}
	return nil
}

func (m *MockProvider) GetUserByUsername(username string) (*provider.User, error) {
	if m.GetUserByUsernameFunc != nil {
		return m.GetUserByUsernameFunc(username)
	}
	return nil, provider.ErrUserNotFound
}

func (m *MockProvider) GetDashboardStats() (map[string]interface{}, error) {
	if m.GetDashboardStatsFunc != nil {
		return m.GetDashboardStatsFunc()
	}
	return map[string]interface{}{}, nil
}
