package api

import (
	"context"
	"net/http"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// SignIn authenticates by email and password. The backend registers the
// account on first use, so there is no separate register call to make.
func (c *Client) SignIn(ctx context.Context, email, password string) (TokenPair, error) {
	var pair TokenPair
	err := c.doJSON(ctx, http.MethodPost, "/auth/signin", nil, signInRequest{Email: email, Password: password}, &pair)
	return pair, err
}

// Refresh exchanges a refresh token for a fresh pair. The backend may return
// the same refresh token with a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var pair TokenPair
	err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", nil, refreshRequest{RefreshToken: refreshToken}, &pair)
	return pair, err
}

// Logout invalidates the server-side session for the current credential.
func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/logout", nil, nil, nil)
}

// Me returns the profile of the currently authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.doJSON(ctx, http.MethodGet, "/auth/me", nil, nil, &u)
	return u, err
}

// ForgotPassword asks the backend to mail a reset link. The backend answers
// the same way whether or not the address exists.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/forgot-password", nil, forgotPasswordRequest{Email: email}, nil)
}

// ResetPassword completes a password reset with the mailed token.
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/reset-password", nil, resetPasswordRequest{Token: token, NewPassword: newPassword}, nil)
}
