package auth

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrUnknownOperator    = errors.New("auth: unknown operator")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Operator - учётная запись admin API
type Operator struct {
	Name         string
	PasswordHash string
	IsAdmin      bool
	LastLogin    time.Time
}

// Operators - in-memory реестр операторов, заполняется из конфигурации
type Operators struct {
	mu   sync.RWMutex
	byID map[string]*Operator
	ttl  time.Duration
}

// NewOperators создаёт реестр; ttl - срок жизни выпускаемых токенов
func NewOperators(ttl time.Duration) *Operators {
	return &Operators{byID: make(map[string]*Operator), ttl: ttl}
}

// Add регистрирует оператора с уже посчитанным bcrypt-хешем
func (o *Operators) Add(name, passwordHash string, isAdmin bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byID[name] = &Operator{Name: name, PasswordHash: passwordHash, IsAdmin: isAdmin}
}

// Len возвращает число операторов
func (o *Operators) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.byID)
}

// Login проверяет пароль и выпускает JWT.
// Неизвестное имя и неверный пароль неразличимы для вызывающего.
func (o *Operators) Login(name, password string) (string, error) {
	o.mu.RLock()
	op, ok := o.byID[name]
	o.mu.RUnlock()
	if !ok || !CheckPassword(op.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}

	o.mu.Lock()
	op.LastLogin = time.Now()
	snapshot := *op
	o.mu.Unlock()

	return GenerateJWT(&snapshot, o.ttl)
}
