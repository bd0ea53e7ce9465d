// Package api - административный HTTP-интерфейс сервиса: состояние очередей,
// сброс кеша чанков и отладочная выдача обработанного чанка.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/antixray/internal/auth"
	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/logging"
	"github.com/annel0/antixray/internal/middleware"
	"github.com/annel0/antixray/internal/xray"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const defaultFetchTimeout = 5 * time.Second

// Server - admin API
type Server struct {
	router       *gin.Engine
	http         *http.Server
	service      *xray.Service
	operators    *auth.Operators
	metrics      *ServerMetrics
	fetchTimeout time.Duration
}

// Config содержит зависимости admin API
type Config struct {
	Addr      string // адрес для ListenAndServe, например ":8088"
	Service   *xray.Service
	Operators *auth.Operators
	// Registry - куда регистрировать HTTP-метрики; nil - не собирать
	Registry prometheus.Registerer
	// FetchTimeout - сколько ждать отладочную выдачу чанка
	FetchTimeout time.Duration
}

// LoginRequest - запрос на вход оператора
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse - ответ на вход
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

// GenericResponse - общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewServer создаёт admin API
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8088"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Operators == nil {
		cfg.Operators = auth.NewOperators(0)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("antixray_admin"))
	router.Use(middleware.NewRequestLogger().Handler())
	router.Use(middleware.NewPrometheusMiddleware("antixray_admin", cfg.Registry).Handler())

	s := &Server{
		router:       router,
		service:      cfg.Service,
		operators:    cfg.Operators,
		metrics:      NewServerMetrics(),
		fetchTimeout: cfg.FetchTimeout,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.POST("/auth/login", s.handleLogin)

	protected := api.Group("/")
	protected.Use(s.jwtMiddleware())
	protected.GET("/stats", s.handleStats)

	admin := protected.Group("/admin")
	admin.Use(s.adminMiddleware())
	{
		admin.POST("/worlds/:world/chunks/:x/:z/invalidate", s.handleInvalidate)
		admin.GET("/worlds/:world/chunks/:x/:z", s.handleFetchChunk)
	}
}

// Handler возвращает http.Handler роутера (для httptest)
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start блокируется до Shutdown
func (s *Server) Start() error {
	logging.Info("admin API слушает %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown останавливает сервер, дожидаясь активных запросов
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"worlds": s.service.Worlds(),
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Message: "Неверный формат запроса"})
		return
	}

	token, err := s.operators.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, LoginResponse{Message: "Неверное имя пользователя или пароль"})
		return
	}
	if err != nil {
		logging.Error("admin API: выпуск токена для %s: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, LoginResponse{Message: "Ошибка генерации токена"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Success: true, Token: token, Message: "Успешная авторизация"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data: gin.H{
			"worlds": s.service.Stats(),
			"server": s.metrics.Snapshot(),
		},
	})
}

func (s *Server) handleInvalidate(c *gin.Context) {
	h, pos, ok := s.resolveChunk(c)
	if !ok {
		return
	}
	if err := h.InvalidateCache(pos.X, pos.Z); err != nil {
		logging.Warn("admin API: сброс %s (%d,%d): %v", h.World(), pos.X, pos.Z, err)
		c.JSON(http.StatusBadGateway, GenericResponse{Message: err.Error()})
		return
	}

	logging.Info("admin API: %s сбросил кеш %s (%d,%d)", c.GetString("operator"), h.World(), pos.X, pos.Z)
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Кеш чанка сброшен"})
}

func (s *Server) handleFetchChunk(c *gin.Context) {
	h, pos, ok := s.resolveChunk(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.fetchTimeout)
	defer cancel()

	payload, err := fetchChunk(ctx, h, pos)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, GenericResponse{Message: "Чанк не получен: " + err.Error()})
		return
	}

	c.Header("X-Antixray-Batched", strconv.FormatBool(payload.Batched))
	c.Data(http.StatusOK, "application/octet-stream", payload.Data)
}

// resolveChunk разбирает :world/:x/:z; при ошибке ответ уже записан
func (s *Server) resolveChunk(c *gin.Context) (*xray.Handler, level.ChunkPos, bool) {
	h, found := s.service.Handler(c.Param("world"))
	if !found {
		c.JSON(http.StatusNotFound, GenericResponse{Message: "Неизвестный мир"})
		return nil, level.ChunkPos{}, false
	}

	x, errX := strconv.ParseInt(c.Param("x"), 10, 32)
	z, errZ := strconv.ParseInt(c.Param("z"), 10, 32)
	if errX != nil || errZ != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Message: "Координаты чанка должны быть int32"})
		return nil, level.ChunkPos{}, false
	}
	return h, level.ChunkPos{X: int32(x), Z: int32(z)}, true
}
