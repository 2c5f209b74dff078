package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", time.Hour)

	req := RegisterRequest{
		Email:    "ops@example.com",
		Password: "correct-horse-battery",
		FullName: "Ops Desk",
	}

	ctx := context.Background()
	op, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if op.Role != RoleOperator {
		t.Fatalf("register: expected default role %s got %s", RoleOperator, op.Role)
	}
	if op.PasswordHash == req.Password {
		t.Fatal("register: password stored in clear text")
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Operator.ID != op.ID {
		t.Fatalf("login: expected operator id %q got %q", op.ID, resp.Operator.ID)
	}

	tokenID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenID != op.ID || tokenRole != RoleOperator {
		t.Fatalf("verify token: got %q/%s", tokenID, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "ops@example.com",
		Password: "short",
		FullName: "Ops Desk",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Password: "long-enough-password",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:    "ops@example.com",
		Password: "long-enough-password",
		FullName: "Ops Desk",
		Role:     "buyer",
	})
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)

	req := RegisterRequest{
		Email:    "tracker@example.com",
		Password: "long-enough-password",
		FullName: "Courier Tracking",
		Role:     RoleDeliveryTracker,
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	req.Email = "TRACKER@example.com"
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", 0)

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email: "checkout@example.com", Password: "long-enough-password", FullName: "Checkout", Role: RoleCheckout,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = svc.Login(context.Background(), LoginRequest{Email: "checkout@example.com", Password: "wrong-password-here"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_VerifyTokenRejectsExpiredAndForeign(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", time.Minute)
	issued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.nowFn = func() time.Time { return issued }

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email: "ops@example.com", Password: "long-enough-password", FullName: "Ops",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := svc.Login(context.Background(), LoginRequest{Email: "ops@example.com", Password: "long-enough-password"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !res.ExpiresAt.Equal(issued.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %s", res.ExpiresAt)
	}

	svc.nowFn = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, _, err := svc.VerifyToken(res.Token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}

	other := NewService(repo, "other-secret", time.Minute)
	other.nowFn = func() time.Time { return issued }
	if _, _, err := other.VerifyToken(res.Token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}

func TestAuthorize(t *testing.T) {
	if err := Authorize(RoleOperator); err != nil {
		t.Fatalf("expected any valid role to pass, got %v", err)
	}
	if err := Authorize(RoleCheckout, RoleOperator, RoleCheckout); err != nil {
		t.Fatalf("expected checkout to be allowed, got %v", err)
	}
	if err := Authorize(RoleDeliveryTracker, RoleOperator); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := Authorize(Role("admin")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected unknown role to be forbidden, got %v", err)
	}
}

type fakeRepository struct {
	byEmail map[string]Operator
	byID    map[string]Operator
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]Operator),
		byID:    make(map[string]Operator),
		nextID:  1,
	}
}

func (f *fakeRepository) CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error) {
	if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
		return Operator{}, ErrDuplicateEmail
	}

	op := Operator{
		ID:           fmt.Sprintf("operator-%d", f.nextID),
		Email:        strings.ToLower(params.Email),
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
	}
	f.nextID++

	f.byEmail[op.Email] = op
	f.byID[op.ID] = op
	return op, nil
}

func (f *fakeRepository) GetOperatorByEmail(ctx context.Context, email string) (Operator, error) {
	op, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return op, nil
}

func (f *fakeRepository) GetOperatorByID(ctx context.Context, id string) (Operator, error) {
	op, ok := f.byID[id]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return op, nil
}
