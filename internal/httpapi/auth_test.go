package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"retailpos/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func newManager(t *testing.T, store UserStore) *AuthManager {
	t.Helper()
	manager, err := NewAuthManager("test-secret-key-with-enough-length!", time.Hour, store)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}
	return manager
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := newManager(t, store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestCreateSellerStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := newManager(t, store)

	seller, err := manager.CreateSeller(context.Background(), domain.SellerCreateRequest{
		Username: "Sari",
		Password: "pass12345",
	})
	if err != nil {
		t.Fatalf("create seller failed: %v", err)
	}
	if seller.Username != "sari" || seller.Role != domain.RoleSeller {
		t.Fatalf("unexpected seller %+v", seller)
	}

	found, ok := store.users["sari"]
	if !ok {
		t.Fatalf("expected seller to be saved")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "sari", Password: "pass12345"})
	if err != nil {
		t.Fatalf("login with hashed seller failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "sari" || actor.Role != domain.RoleSeller {
		t.Fatalf("unexpected actor %+v", actor)
	}

	if _, err := manager.CreateSeller(context.Background(), domain.SellerCreateRequest{Username: "sari", Password: "pass12345"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
	if sellers := manager.ListSellers(context.Background()); len(sellers) != 1 {
		t.Fatalf("expected 1 seller, got %d", len(sellers))
	}
}

func TestLoginRejectsInactiveAndWrongPassword(t *testing.T) {
	hash, err := hashPassword("correct-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"budi": {Username: "budi", Password: hash, Role: domain.RoleSeller, Active: false},
		"sari": {Username: "sari", Password: hash, Role: domain.RoleSeller, Active: true},
	}}
	manager := newManager(t, store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "budi", Password: "correct-pass"}); err == nil {
		t.Fatalf("expected inactive account to be rejected")
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "sari", Password: "wrong"}); err != errInvalidCredentials {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "x"}); err != errInvalidCredentials {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestParseTokenRejectsForeignTokens(t *testing.T) {
	manager := newManager(t, nil)
	other, err := NewAuthManager("another-secret-key-with-enough-length", time.Hour, nil)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}

	token, err := other.sign("sari", domain.RoleSeller, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, err := manager.sign("sari", domain.RoleSeller, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	if _, err := NewAuthManager(" ", time.Hour, nil); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}
