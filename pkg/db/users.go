package db

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"ovpn-node/pkg/model"
)

// Users authenticates VPN accounts against bcrypt hashes.
type Users struct {
	DB *gorm.DB
}

func (u *Users) Authenticate(ctx context.Context, serverID, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}
	var user model.User
	err := u.DB.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if user.Disabled || (user.ServerID != "" && user.ServerID != serverID) {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil, nil
}

// Add creates or replaces the password of username.
func (u *Users) Add(ctx context.Context, username, password, serverID string) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user := model.User{Username: username, PasswordHash: string(hash), ServerID: serverID}
	var existing model.User
	err = u.DB.WithContext(ctx).Where("username = ?", username).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return u.DB.WithContext(ctx).Create(&user).Error
	case err != nil:
		return err
	}
	return u.DB.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"password_hash": user.PasswordHash,
		"server_id":     serverID,
		"disabled":      false,
	}).Error
}
