package store

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserTaken    = errors.New("username or email already taken")
)

type UserStore struct{ db *gorm.DB }

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) CreateUser(ctx context.Context, username, email string, passwordHash []byte) (uint64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	u := User{Username: username, Email: email, PasswordHash: passwordHash}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return 0, ErrUserTaken
		}
		return 0, err
	}
	return u.ID, nil
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getBy(ctx, "email = ?", email)
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.getBy(ctx, "username = ?", username)
}

func (s *UserStore) GetByID(ctx context.Context, id uint64) (*User, error) {
	return s.getBy(ctx, "id = ?", id)
}

func (s *UserStore) getBy(ctx context.Context, query string, arg any) (*User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var u User
	err := s.db.WithContext(ctx).Where(query, arg).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// UpdateProfile 只更新非 nil 的字段
func (s *UserStore) UpdateProfile(ctx context.Context, id uint64, username, email *string, passwordHash []byte) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	updates := map[string]any{}
	if username != nil {
		updates["username"] = *username
	}
	if email != nil {
		updates["email"] = *email
	}
	if len(passwordHash) > 0 {
		updates["password_hash"] = passwordHash
	}
	if len(updates) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(updates).Error
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return ErrUserTaken
	}
	return err
}
