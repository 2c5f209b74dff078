package runner

import (
	"context"
	"errors"
	"testing"
)

func TestService_GetByID(t *testing.T) {
	repo := &fakeReader{accounts: map[string]Account{"R1": {ID: "R1", PayeeAccountID: "acct_1"}}}
	svc := NewService(repo)

	a, err := svc.GetByID(context.Background(), " R1 ")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.PayeeAccountID != "acct_1" {
		t.Fatalf("unexpected account %+v", a)
	}

	if _, err := svc.GetByID(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for blank id, got %v", err)
	}
	if repo.gets != 1 {
		t.Fatalf("blank id reached the repository")
	}
}

func TestService_ListClampsLimit(t *testing.T) {
	repo := &fakeReader{}
	svc := NewService(repo)

	for _, tc := range []struct{ in, want int }{{0, 100}, {-3, 100}, {500, 100}, {25, 25}} {
		if _, err := svc.List(context.Background(), tc.in); err != nil {
			t.Fatalf("list: %v", err)
		}
		if repo.lastLimit != tc.want {
			t.Fatalf("limit %d: expected %d, got %d", tc.in, tc.want, repo.lastLimit)
		}
	}
}

type fakeReader struct {
	accounts  map[string]Account
	gets      int
	lastLimit int
}

func (f *fakeReader) GetByID(_ context.Context, id string) (Account, error) {
	f.gets++
	a, ok := f.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (f *fakeReader) List(_ context.Context, limit int) ([]Account, error) {
	f.lastLimit = limit
	return nil, nil
}
