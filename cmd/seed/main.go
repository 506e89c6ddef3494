// seed inserts development sample data for local testing.
// Idempotent: skips all inserts if the dev user (alice) already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	authdomain "chat-delivery-plane/backend/internal/auth/domain"
	authrepo "chat-delivery-plane/backend/internal/auth/repository"
	chatdomain "chat-delivery-plane/backend/internal/chat/domain"
	chatrepo "chat-delivery-plane/backend/internal/chat/repository"
	"chat-delivery-plane/backend/internal/config"
	"chat-delivery-plane/backend/internal/db"
	"chat-delivery-plane/backend/internal/security"
)

const devPassword = "password123"

var devUsers = []struct {
	id, username, displayName string
}{
	{"dev-user-alice", "alice", "Alice Anderson"},
	{"dev-user-bob", "bob", "Bob Brown"},
	{"dev-user-charlie", "charlie", "Charlie Clark"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	users := authrepo.NewPostgresUserStore(pool)
	chat := chatrepo.NewPostgresStore(pool)

	existing, err := users.GetByUsername(ctx, "alice")
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Println("Seed already applied (alice exists). Skipping.")
		os.Exit(0)
	}

	hasher := security.NewHasher(cfg.BcryptCost)
	passwordHash, err := hasher.Hash([]byte(devPassword))
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	now := time.Now().UTC()
	for _, u := range devUsers {
		err := users.Create(ctx, &authdomain.User{
			ID:           u.id,
			Username:     u.username,
			DisplayName:  u.displayName,
			PasswordHash: passwordHash,
			CreatedAt:    now,
		})
		if err != nil {
			log.Fatalf("create user %s: %v", u.username, err)
		}
	}

	direct := &chatdomain.Conversation{
		ID:        "dev-convo-direct",
		Kind:      chatdomain.ConversationDirect,
		CreatedAt: now,
	}
	if err := chat.Create(ctx, direct, []string{"dev-user-alice", "dev-user-bob"}); err != nil {
		log.Fatalf("create direct conversation: %v", err)
	}

	group := &chatdomain.Conversation{
		ID:        "dev-convo-group",
		Kind:      chatdomain.ConversationGroup,
		Name:      "General",
		CreatedAt: now,
	}
	if err := chat.Create(ctx, group, []string{"dev-user-alice", "dev-user-bob", "dev-user-charlie"}); err != nil {
		log.Fatalf("create group conversation: %v", err)
	}

	samples := []struct {
		convo, sender, content string
	}{
		{"dev-convo-direct", "dev-user-alice", "hey bob"},
		{"dev-convo-direct", "dev-user-bob", "hey alice"},
		{"dev-convo-group", "dev-user-alice", "welcome to General"},
		{"dev-convo-group", "dev-user-charlie", "thanks!"},
	}
	for _, m := range samples {
		if _, err := chat.PersistMessage(ctx, m.convo, m.sender, m.content); err != nil {
			log.Fatalf("seed message: %v", err)
		}
	}

	log.Println("Seed completed successfully.")
	for _, u := range devUsers {
		fmt.Printf("Login: %s / %s\n", u.username, devPassword)
	}
}
