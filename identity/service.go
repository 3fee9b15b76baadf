package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong account name or secret.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrWeakSecret signals the secret doesn't meet requirements.
	ErrWeakSecret = errors.New("identity: secret must be at least 16 characters")
	// ErrNotArbitrator signals the token bearer is not the arbitrator.
	ErrNotArbitrator = errors.New("identity: token bearer is not the arbitrator")
)

// Service handles service-account authentication.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token   string
	Account Account
}

// NewService creates a new identity service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new service account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if len(req.Secret) < 16 {
		return nil, ErrWeakSecret
	}
	if req.Name == "" {
		return nil, fmt.Errorf("identity: name is required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleParty
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("identity: invalid role %q", role)
	}

	secretHash, err := bcrypt.GenerateFromPassword([]byte(req.Secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash secret: %w", err)
	}

	account, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		Name:       req.Name,
		Role:       role,
		SecretHash: string(secretHash),
	})
	if err != nil {
		return nil, err
	}

	return &account, nil
}

// Login authenticates a service account and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	account, err := s.repo.GetAccountByName(ctx, req.Name)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.SecretHash), []byte(req.Secret)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(account.ID, account.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("identity: generate token: %w", err)
	}

	return LoginResult{
		Token:   token,
		Account: account,
	}, nil
}

// VerifyToken validates a JWT token and returns the account ID and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("identity: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		accountID, ok := claims["account_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("identity: invalid account_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("identity: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("identity: invalid role %q in token", roleStr)
		}
		return accountID, role, nil
	}

	return "", "", fmt.Errorf("identity: invalid token")
}

// VerifyArbitrator validates the token and requires the arbitrator role. It
// is the authentication hook behind the dispute callback router.
func (s *Service) VerifyArbitrator(tokenString string) (string, error) {
	accountID, role, err := s.VerifyToken(tokenString)
	if err != nil {
		return "", err
	}
	if role != RoleArbitrator {
		return "", ErrNotArbitrator
	}
	return accountID, nil
}

func (s *Service) generateToken(accountID string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"account_id": accountID,
		"role":       role,
		"exp":        time.Now().Add(24 * time.Hour).Unix(),
		"iat":        time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleParty, RoleArbitrator:
		return true
	default:
		return false
	}
}
