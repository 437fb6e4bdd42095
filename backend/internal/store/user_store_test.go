package store

import (
	"context"
	"errors"
	"testing"
)

func TestUserStore_CreateAndGet(t *testing.T) {
	db := testDB(t)
	db.Exec("DELETE FROM users")
	s := NewUserStore(db)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if id == 0 {
		t.Fatalf("CreateUser() id = 0, want > 0")
	}

	if _, err := s.CreateUser(ctx, "alice", "other@example.com", []byte("hash")); !errors.Is(err, ErrUserTaken) {
		t.Fatalf("CreateUser(dup username) error = %v, want ErrUserTaken", err)
	}

	u, err := s.GetByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetByEmail() error = %v", err)
	}
	if u.ID != id || u.Username != "alice" {
		t.Fatalf("GetByEmail() = %+v, want alice id=%d", u, id)
	}

	if _, err := s.GetByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("GetByEmail(missing) error = %v, want ErrUserNotFound", err)
	}
}

func TestUserStore_UpdateProfile(t *testing.T) {
	db := testDB(t)
	db.Exec("DELETE FROM users")
	s := NewUserStore(db)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "bob", "bob@example.com", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	newName := "bobby"
	if err := s.UpdateProfile(ctx, id, &newName, nil, nil); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	u, err := s.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if u.Username != "bobby" || u.Email != "bob@example.com" {
		t.Fatalf("GetByID() = %+v, want username bobby email unchanged", u)
	}
}
