// Package ledger owns per-user balances. Every mutation of a single user is
// applied under that user's lock, so concurrent reserve and release calls
// for the same user are linearized.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

var (
	ErrUserNotFound        = errors.New("ledger: user not found")
	ErrUserExists          = errors.New("ledger: user already exists")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrInvalidUserID       = errors.New("ledger: user id is required")
)

type account struct {
	mu   sync.Mutex
	user model.User
}

// Ledger holds all user accounts for the engine's lifetime.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

// CreateUser opens an account with the given starting balance.
func (l *Ledger) CreateUser(id, username string, balance decimal.Decimal) (model.User, error) {
	if id == "" {
		return model.User{}, ErrInvalidUserID
	}
	if balance.IsNegative() {
		return model.User{}, fmt.Errorf("%w: starting balance %s", ErrInvalidAmount, balance)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[id]; ok {
		return model.User{}, fmt.Errorf("%w: %s", ErrUserExists, id)
	}
	u := model.User{
		ID:       id,
		Username: username,
		Balance: model.Balance{
			Total:          balance,
			Available:      balance,
			MarginReserved: decimal.Zero,
		},
		CreatedAt: time.Now().UTC(),
	}
	l.accounts[id] = &account{user: u}
	return u, nil
}

// Get returns a snapshot of the user.
func (l *Ledger) Get(id string) (model.User, error) {
	a, err := l.account(id)
	if err != nil {
		return model.User{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user, nil
}

// Users returns snapshots of every account, ordered by id.
func (l *Ledger) Users() []model.User {
	l.mu.RLock()
	accts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accts = append(accts, a)
	}
	l.mu.RUnlock()

	users := make([]model.User, 0, len(accts))
	for _, a := range accts {
		a.mu.Lock()
		users = append(users, a.user)
		a.mu.Unlock()
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// Reserve moves amount from available to margin reserved.
func (l *Ledger) Reserve(id string, amount decimal.Decimal) (model.User, error) {
	if !amount.IsPositive() {
		return model.User{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	a, err := l.account(id)
	if err != nil {
		return model.User{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := &a.user.Balance
	if b.Available.LessThan(amount) {
		return a.user, fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)
	b.MarginReserved = b.MarginReserved.Add(amount)
	return a.user, nil
}

// Release returns reserved margin plus pnl to available. The credit is
// clamped at zero so a loss never reaches beyond the reserved margin.
// It returns the updated user and the amount actually credited.
func (l *Ledger) Release(id string, amount, pnl decimal.Decimal) (model.User, decimal.Decimal, error) {
	if amount.IsNegative() {
		return model.User{}, decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	a, err := l.account(id)
	if err != nil {
		return model.User{}, decimal.Zero, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	credit := decimal.Max(decimal.Zero, amount.Add(pnl))
	b := &a.user.Balance
	b.Available = b.Available.Add(credit)
	b.MarginReserved = decimal.Max(decimal.Zero, b.MarginReserved.Sub(amount))
	b.Total = b.Total.Add(credit.Sub(amount))
	return a.user, credit, nil
}

func (l *Ledger) account(id string) (*account, error) {
	l.mu.RLock()
	a, ok := l.accounts[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return a, nil
}
