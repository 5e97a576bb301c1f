// Command newactor provisions a local actor: it generates an RSA keypair,
// derives the actor's URLs from the node's domain, and inserts the record.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/blackmichael/fedinode/internal/config"
	"github.com/blackmichael/fedinode/internal/domain"
	"github.com/blackmichael/fedinode/internal/httpsig"
	"github.com/blackmichael/fedinode/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	username := flag.String("username", "", "username of the actor to create (required)")
	flag.Parse()

	if *username == "" {
		flag.Usage()
		return fmt.Errorf("-username is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := sqlite.NewRepository(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()

	ctx := context.Background()
	if existing, err := repo.GetLocalActor(ctx, *username); err == nil {
		return fmt.Errorf("actor %s already exists", existing.ActorURL)
	}

	pubPEM, privPEM, err := httpsig.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	base := cfg.BaseURL()
	actorURL := fmt.Sprintf("%s/users/%s", base, *username)
	actor := &domain.Actor{
		ActorURL:       actorURL,
		Username:       *username,
		InboxURL:       actorURL + "/inbox",
		SharedInboxURL: base + "/inbox",
		OutboxURL:      actorURL + "/outbox",
		FollowersURL:   actorURL + "/followers",
		FollowingURL:   actorURL + "/following",
		PublicKeyPEM:   pubPEM,
		PrivateKeyPEM:  privPEM,
	}
	if err := repo.CreateLocalActor(ctx, actor); err != nil {
		return fmt.Errorf("create actor: %w", err)
	}

	fmt.Printf("created %s\n", actor.ActorURL)
	return nil
}
