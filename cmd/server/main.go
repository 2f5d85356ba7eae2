package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourusername/library-circulation/pkg/auth"
	"github.com/yourusername/library-circulation/pkg/notify"
	"github.com/yourusername/library-circulation/pkg/provider"
	"github.com/yourusername/library-circulation/pkg/telemetry"
)

// @title           Library Circulation Tracker API
// @version         1.0
// @description     Catalog, reader registry and lending lifecycle for librarians.

// @host      localhost:8899
// @BasePath  /api

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

// --- Error Handling ---

func AbortWithError(c *gin.Context, code int, message string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}

	slog.Error("api error", "path", c.Request.URL.Path, "status", code, "message", message, "error", err)

	c.AbortWithStatusJSON(code, gin.H{
		"status": "error",
		"error":  message,
		"detail": detail,
		"code":   code,
	})
}

// statusForCirculationError maps the provider's typed failures onto HTTP
// statuses: missing entities are 404, violated lending rules are 400,
// anything else is a storage failure.
func statusForCirculationError(err error) int {
	switch {
	case errors.Is(err, provider.ErrBookNotFound),
		errors.Is(err, provider.ErrReaderNotFound),
		errors.Is(err, provider.ErrLoanNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrOutOfStock),
		errors.Is(err, provider.ErrBorrowLimit),
		errors.Is(err, provider.ErrLoanMismatch),
		errors.Is(err, provider.ErrAlreadyReturned),
		errors.Is(err, provider.ErrLoanStillOpen):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// --- Request/Response Types ---

// LoginRequest credentials
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse auth token
type LoginResponse struct {
	Status string            `json:"status"`
	Token  string            `json:"token"`
	User   map[string]string `json:"user"`
}

type BookRequest struct {
	Title  string `json:"title" binding:"required"`
	Author string `json:"author" binding:"required"`
	Year   int    `json:"year"`
	ISBN   string `json:"isbn"`
	Copies int    `json:"copies"`
}

type ReaderRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
}

type IssueRequest struct {
	BookID   int64 `json:"book_id" binding:"required"`
	ReaderID int64 `json:"reader_id" binding:"required"`
}

type ReturnRequest struct {
	LoanID   int64 `json:"loan_id" binding:"required"`
	BookID   int64 `json:"book_id" binding:"required"`
	ReaderID int64 `json:"reader_id" binding:"required"`
}

// --- Middleware ---

func initLogger() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
}

func authMiddleware() gin.HandlerFunc {
	requiredKey := os.Getenv("LIBRARY_API_KEY")

	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			apiKey = c.Query("apikey")
		}
		if requiredKey != "" && apiKey == requiredKey {
			c.Set("username", "api-key-user")
			c.Set("role", "admin")
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			claims, err := auth.ParseToken(tokenString)
			if err == nil {
				c.Set("username", claims.Username)
				c.Set("role", claims.Role)
				c.Set("userID", claims.UserID)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Unauthorized: Invalid API Key or Token",
		})
	}
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID format"})
		return 0, false
	}
	return id, true
}

func pageParams(c *gin.Context) (int, int) {
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	// Negative values would reach OFFSET/LIMIT clauses, which postgres rejects.
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = 100
	}
	return skip, limit
}

// librarianID extracts the acting librarian's id from the auth context.
// API-key callers have no user row; they are recorded as id 0.
func librarianID(c *gin.Context) int64 {
	if v, exists := c.Get("userID"); exists {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}

// --- Router ---

func setupRouter(dbProvider provider.Provider) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// --- 0. OpenTelemetry Middleware ---
	r.Use(otelgin.Middleware("circulation"))

	// --- 1. CORS Configuration ---
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // Allow all for development
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	notifier := newNotifier()

	// --- 2. Health Check ---
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "UP", "time": time.Now()})
	})

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// --- 3. Public Auth Routes ---
	r.POST("/api/auth/login", func(c *gin.Context) {
		var creds LoginRequest
		if err := c.BindJSON(&creds); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}

		user, err := dbProvider.GetUserByUsername(creds.Username)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		if !auth.CheckPassword(creds.Password, user.PasswordHash) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		token, err := auth.GenerateToken(user)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(200, LoginResponse{
			Status: "success",
			Token:  token,
			User:   map[string]string{"username": user.Username, "role": user.Role},
		})
	})

	r.POST("/api/auth/register", func(c *gin.Context) {
		var req LoginRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			c.JSON(500, gin.H{"error": "Server error"})
			return
		}

		user := &provider.User{
			Username:     req.Username,
			PasswordHash: hash,
			Role:         "user",
		}

		if err := dbProvider.CreateUser(user); err != nil {
			slog.Error("failed to create user", "error", err)
			c.JSON(409, gin.H{"error": "Username already exists or create failed"})
			return
		}

		c.JSON(201, gin.H{"status": "success", "data": user})
	})

	// --- 4. Protected API Routes ---
	api := r.Group("/api")
	api.Use(authMiddleware())

	// --- Catalog APIs ---
	api.POST("/books", func(c *gin.Context) {
		var req BookRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid book JSON: " + err.Error()})
			return
		}
		if req.Copies < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Copies cannot be negative"})
			return
		}
		if req.Copies == 0 {
			req.Copies = 1
		}
		book := &provider.Book{
			Title:  req.Title,
			Author: req.Author,
			Year:   req.Year,
			ISBN:   req.ISBN,
			Copies: req.Copies,
		}
		if err := dbProvider.CreateBook(book); err != nil {
			AbortWithError(c, 500, "Failed to create book", err)
			return
		}
		c.JSON(201, gin.H{"status": "success", "data": book})
	})

	api.GET("/books", func(c *gin.Context) {
		skip, limit := pageParams(c)
		books, err := dbProvider.ListBooks(skip, limit)
		if err != nil {
			AbortWithError(c, 500, "Failed to list books", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": books})
	})

	api.GET("/books/search", func(c *gin.Context) {
		term := c.Query("query")
		if term == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing query"})
			return
		}
		skip, limit := pageParams(c)
		books, err := dbProvider.SearchBooks(term, skip, limit)
		if err != nil {
			AbortWithError(c, 500, "Search failed", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "found": len(books), "data": books})
	})

	api.GET("/books/:id", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		book, err := dbProvider.GetBook(id)
		if err != nil {
			AbortWithError(c, statusForCirculationError(err), "Book not found", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": book})
	})

	api.PUT("/books/:id", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		var req BookRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid book JSON: " + err.Error()})
			return
		}
		if req.Copies < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Copies cannot be negative"})
			return
		}
		book, err := dbProvider.UpdateBook(id, &provider.Book{
			Title:  req.Title,
			Author: req.Author,
			Year:   req.Year,
			ISBN:   req.ISBN,
			Copies: req.Copies,
		})
		if err != nil {
			AbortWithError(c, statusForCirculationError(err), "Update failed", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": book})
	})

	api.DELETE("/books/:id", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		if err := dbProvider.DeleteBook(id); err != nil {
			AbortWithError(c, statusForCirculationError(err), "Delete failed", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "message": "Book deleted"})
	})

	// --- Reader APIs ---
	api.POST("/readers", func(c *gin.Context) {
		var req ReaderRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reader JSON: " + err.Error()})
			return
		}
		reader := &provider.Reader{Name: req.Name, Email: req.Email}
		if err := dbProvider.CreateReader(reader); err != nil {
			AbortWithError(c, 500, "Failed to create reader", err)
			return
		}
		c.JSON(201, gin.H{"status": "success", "data": reader})
	})

	api.GET("/readers", func(c *gin.Context) {
		skip, limit := pageParams(c)
		readers, err := dbProvider.ListReaders(skip, limit)
		if err != nil {
			AbortWithError(c, 500, "Failed to list readers", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": readers})
	})

	api.GET("/readers/:id", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		reader, err := dbProvider.GetReader(id)
		if err != nil {
			AbortWithError(c, statusForCirculationError(err), "Reader not found", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": reader})
	})

	api.PUT("/readers/:id", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		var req ReaderRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reader JSON: " + err.Error()})
			return
		}
		reader, err := dbProvider.UpdateReader(id, &provider.Reader{Name: req.Name, Email: req.Email})
		if err != nil {
			AbortWithError(c, statusForCirculationError(err), "Update failed", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": reader})
	})

	api.DELETE("/readers/:id", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		if err := dbProvider.DeleteReader(id); err != nil {
			AbortWithError(c, statusForCirculationError(err), "Delete failed", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "message": "Reader deleted"})
	})

	// --- Circulation APIs ---
	api.POST("/loans", func(c *gin.Context) {
		var req IssueRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid issue request"})
			return
		}

		loan, err := dbProvider.IssueBook(req.BookID, req.ReaderID, librarianID(c))
		if err != nil {
			AbortWithError(c, statusForCirculationError(err), "Issue failed", err)
			return
		}
		slog.Info("book issued", "loan_id", loan.ID, "book_id", loan.BookID, "reader_id", loan.ReaderID, "librarian_id", loan.LibrarianID)

		sendReceipt(dbProvider, notifier, loan, "issued")
		c.JSON(201, gin.H{"status": "success", "data": loan})
	})

	api.PUT("/loans/return", func(c *gin.Context) {
		var req ReturnRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid return request"})
			return
		}

		loan, err := dbProvider.ReturnBook(req.LoanID, req.BookID, req.ReaderID)
		if err != nil {
			AbortWithError(c, statusForCirculationError(err), "Return failed", err)
			return
		}
		slog.Info("book returned", "loan_id", loan.ID, "book_id", loan.BookID, "reader_id", loan.ReaderID)

		sendReceipt(dbProvider, notifier, loan, "returned")
		c.JSON(200, gin.H{"status": "success", "data": loan})
	})

	api.GET("/loans", func(c *gin.Context) {
		skip, limit := pageParams(c)
		loans, err := dbProvider.ListLoans(skip, limit)
		if err != nil {
			AbortWithError(c, 500, "Failed to list loans", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": loans})
	})

	api.GET("/loans/reader/:id/open", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		loans, err := dbProvider.OpenLoansByReader(id)
		if err != nil {
			AbortWithError(c, 500, "Failed to list open loans", err)
			return
		}
		if len(loans) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "No borrowed books found for this reader"})
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": loans})
	})

	api.GET("/loans/reader/:id", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		loans, err := dbProvider.LoansByReader(id)
		if err != nil {
			AbortWithError(c, 500, "Failed to list loans", err)
			return
		}
		if len(loans) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "No borrowed books found for this reader"})
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": loans})
	})

	api.GET("/loans/:id", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		loan, err := dbProvider.GetLoan(id)
		if err != nil {
			AbortWithError(c, statusForCirculationError(err), "Loan not found", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": loan})
	})

	api.DELETE("/loans/:id", func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		if err := dbProvider.DeleteLoan(id); err != nil {
			AbortWithError(c, statusForCirculationError(err), "Delete failed", err)
			return
		}
		c.JSON(200, gin.H{"status": "success", "message": "Loan deleted"})
	})

	// --- Admin Routes ---
	admin := api.Group("/admin")
	admin.Use(func(c *gin.Context) {
		role, _ := c.Get("role")
		if role != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	})

	admin.GET("/stats", func(c *gin.Context) {
		stats, err := dbProvider.GetDashboardStats()
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch stats"})
			return
		}
		c.JSON(200, gin.H{"status": "success", "data": stats})
	})

	return r
}

// newNotifier picks SMTP delivery when configured, log output otherwise.
func newNotifier() notify.Notifier {
	if os.Getenv("SMTP_HOST") != "" {
		return notify.NewEmailService()
	}
	return notify.NewLogNotifier()
}

// sendReceipt mails the reader a receipt for an issue or return. Lookups are
// best-effort: a missing reader email just skips the mail.
func sendReceipt(dbProvider provider.Provider, notifier notify.Notifier, loan *provider.Loan, action string) {
	reader, err := dbProvider.GetReader(loan.ReaderID)
	if err != nil || reader.Email == "" {
		return
	}
	title := fmt.Sprintf("book #%d", loan.BookID)
	if book, err := dbProvider.GetBook(loan.BookID); err == nil {
		title = book.Title
	}
	go notifier.SendLoanReceipt(reader.Email, reader.Name, title, action)
}

// newDBProvider selects the storage backend from DB_PROVIDER. Anything other
// than "sqlite" or "postgres" falls back to the in-memory provider.
func newDBProvider(providerType string) (provider.Provider, error) {
	switch providerType {
	case "sqlite":
		return provider.NewSQLiteProvider(os.Getenv("DB_PATH"))
	case "postgres":
		return provider.NewPostgresProvider(os.Getenv("DB_DSN"))
	default:
		slog.Info("using in-memory provider as default")
		return provider.NewMemoryProvider(), nil
	}
}

func main() {
	// Initialize Tracer. A tracer failure is not fatal; keep its error out of
	// the startup error flow.
	shutdownTracer, tracerErr := telemetry.InitTracer(context.Background(), "circulation-service")
	if tracerErr != nil {
		slog.Warn("failed to init tracer", "error", tracerErr)
	} else {
		defer shutdownTracer(context.Background())
	}

	initLogger()

	dbProviderType := os.Getenv("DB_PROVIDER")
	if dbProviderType == "" {
		dbProviderType = "memory"
	}
	slog.Info("initializing database provider", "type", dbProviderType)

	dbProvider, err := newDBProvider(dbProviderType)
	if err != nil {
		slog.Error("failed to initialize database provider", "type", dbProviderType, "error", err)
		panic(err)
	}
	slog.Info("database provider initialized successfully", "type", dbProviderType)

	// --- Background circulation stats reporter ---
	go func() {
		slog.Info("starting circulation stats reporter")
		ticker := time.NewTicker(1 * time.Hour)
		for range ticker.C {
			stats, err := dbProvider.GetDashboardStats()
			if err != nil {
				continue
			}
			slog.Info("circulation stats",
				"open_loans", stats["open_loans"],
				"copies_available", stats["copies_available"],
				"total_readers", stats["total_readers"],
			)
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8899"
	}

	router := setupRouter(dbProvider)
	httpSrv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		slog.Info("circulation service starting", "addr", ":"+port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("forced to shutdown", "error", err)
	}

	slog.Info("circulation service exiting")
}
