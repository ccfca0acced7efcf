package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/xtrntr/lending/internal/models"
)

// Users is an in-memory user registry for tests and local development.
type Users struct {
	mu     sync.Mutex
	byName map[models.Principal]models.User
	nextID int
}

func NewUsers() *Users {
	return &Users{byName: make(map[models.Principal]models.User), nextID: 1}
}

func (u *Users) CreateUser(ctx context.Context, name models.Principal, passwordHash string) (*models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.byName[name]; ok {
		return nil, fmt.Errorf("user %q already exists", name)
	}
	user := models.User{ID: u.nextID, Name: name, PasswordHash: passwordHash}
	u.nextID++
	u.byName[name] = user
	return &user, nil
}

func (u *Users) UserByName(ctx context.Context, name models.Principal) (*models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	user, ok := u.byName[name]
	if !ok {
		return nil, fmt.Errorf("user %q not found", name)
	}
	return &user, nil
}
