package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/xtrntr/lending/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// UserStore persists registered users.
type UserStore interface {
	CreateUser(ctx context.Context, name models.Principal, passwordHash string) (*models.User, error)
	UserByName(ctx context.Context, name models.Principal) (*models.User, error)
}

// Claims is the identity carried by a verified token.
type Claims struct {
	Principal models.Principal
	Admin     bool
}

// AuthService handles user authentication
type AuthService struct {
	users  UserStore
	secret []byte
	admins map[models.Principal]bool
}

// NewAuthService creates a new auth service. Principals named in admins
// receive the admin claim at login.
func NewAuthService(users UserStore, secret string, admins []string) *AuthService {
	adminSet := make(map[models.Principal]bool, len(admins))
	for _, a := range admins {
		adminSet[models.Principal(a)] = true
	}
	return &AuthService{users: users, secret: []byte(secret), admins: adminSet}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, name models.Principal, password string) (*models.User, error) {
	if name == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(name) > 50 {
		return nil, fmt.Errorf("name too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, name, string(hashedPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, name models.Principal, password string) (string, error) {
	user, err := s.users.UserByName(ctx, name)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"principal": string(user.Name),
		"admin":     s.admins[user.Name],
		"exp":       time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// ClaimsFromToken verifies a JWT and extracts the caller identity
func (s *AuthService) ClaimsFromToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("invalid token")
	}
	principal, ok := claims["principal"].(string)
	if !ok || principal == "" {
		return Claims{}, fmt.Errorf("token missing principal")
	}
	admin, _ := claims["admin"].(bool)
	return Claims{Principal: models.Principal(principal), Admin: admin}, nil
}
