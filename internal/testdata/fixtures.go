// Package testdata builds sample API objects for tests.
package testdata

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/haseeb302/finance-bot/internal/api"
)

var signingKey = []byte("financebot-test-key")

// User returns a sample verified profile.
func User() api.User {
	return api.User{
		ID:         uuid.NewString(),
		Email:      "sam@example.com",
		Username:   "sam",
		FullName:   "Sam Carter",
		IsActive:   true,
		IsVerified: true,
		CreatedAt:  api.Timestamp{Time: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
}

// Conversations returns n sample threads, oldest first, each updated a
// day after the previous one.
func Conversations(n int) []api.Conversation {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	titles := []string{
		"Budgeting basics",
		"Emergency fund size",
		"Index funds vs ETFs",
		"Paying down a credit card",
		"First salary, what now",
	}
	out := make([]api.Conversation, 0, n)
	for i := 0; i < n; i++ {
		created := base.AddDate(0, 0, i)
		updated := api.Timestamp{Time: created.Add(2 * time.Hour)}
		out = append(out, api.Conversation{
			ID:           uuid.NewString(),
			Title:        titles[i%len(titles)],
			CreatedAt:    api.Timestamp{Time: created},
			UpdatedAt:    &updated,
			MessageCount: 2 * (i + 1),
		})
	}
	return out
}

// Messages returns an alternating user/assistant window for one
// conversation, oldest first, one minute apart.
func Messages(conversationID string, n int) []api.Message {
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	out := make([]api.Message, 0, n)
	for i := 0; i < n; i++ {
		role := api.RoleUser
		content := fmt.Sprintf("How should I think about question %d?", i+1)
		if i%2 == 1 {
			role = api.RoleAssistant
			content = fmt.Sprintf("A few ways to look at question %d.", i)
		}
		out = append(out, api.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			CreatedAt:      api.Timestamp{Time: base.Add(time.Duration(i) * time.Minute)},
		})
	}
	return out
}

// MintToken signs a minimal HS256 token for sub expiring at exp. The
// guard only inspects claims, so the key never needs to match anything.
func MintToken(sub string, exp time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return signed
}

// Pair mints a token pair whose access token expires at exp.
func Pair(sub string, exp time.Time) api.TokenPair {
	return api.TokenPair{
		AccessToken:  MintToken(sub, exp),
		RefreshToken: MintToken(sub, exp.Add(7*24*time.Hour)),
		TokenType:    "bearer",
		ExpiresIn:    int(time.Until(exp).Seconds()),
	}
}
