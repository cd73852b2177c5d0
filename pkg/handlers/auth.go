package handlers

import (
	"context"
	"errors"
	"strings"

	"calendar-backend/pkg/database"
	"calendar-backend/pkg/models"
	"calendar-backend/pkg/utils"
)

// register 注册新用户
func (d *Dispatcher) register(ctx context.Context, req *models.RegisterRequest) Result {
	email := normalizeEmail(req.Email)

	if _, err := d.db.GetUserByEmail(ctx, email); err == nil {
		return Failure("email already registered")
	} else if !errors.Is(err, database.ErrNotFound) {
		return d.storeFailure(req.Action(), err)
	}

	hash, err := utils.HashPassword(req.Password, d.config.BcryptCost)
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}

	user := &models.User{
		Email:    email,
		Password: hash,
		Name:     strings.TrimSpace(req.Name),
	}
	if err := d.db.CreateUser(ctx, user); err != nil {
		// lost a race against a concurrent register with the same email
		if errors.Is(err, database.ErrConstraint) {
			return Failure("email already registered")
		}
		return d.storeFailure(req.Action(), err)
	}

	d.logger.Info("user registered", "user_id", user.ID)
	return okResult("registered").with("user_id", user.ID)
}

// login 用户登录, 成功时签发会话令牌
func (d *Dispatcher) login(ctx context.Context, req *models.LoginRequest) Result {
	user, err := d.db.GetUserByEmail(ctx, normalizeEmail(req.Email))
	if errors.Is(err, database.ErrNotFound) {
		utils.BurnPasswordCheck(req.Password, d.config.BcryptCost)
		return Failure("invalid email or password")
	}
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}

	ok, err := utils.CheckPassword(user.Password, req.Password)
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}
	if !ok {
		return Failure("invalid email or password")
	}

	token, expiresAt, err := d.jwt.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}

	return okResult("").
		with("user_id", user.ID).
		with("name", user.Name).
		with("token", token).
		with("expires_at", expiresAt)
}

func (d *Dispatcher) findUser(ctx context.Context, req *models.FindUserRequest) Result {
	user, err := d.db.GetUserByEmail(ctx, normalizeEmail(req.Email))
	if errors.Is(err, database.ErrNotFound) {
		return Failure("user not found")
	}
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}
	return okResult("").
		with("user_id", user.ID).
		with("name", user.Name).
		with("email", user.Email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
