// seed bootstraps a development deployment: it creates a super_admin session for -identity and
// prints bearer tokens for that session and for a document-server service caller.
// Requires the postgres store, since a memory store would not outlive the command.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"docgate/internal/app"
	"docgate/internal/config"
	"docgate/internal/platform/rbac"
	"docgate/internal/security"
	sessiondomain "docgate/internal/session/domain"
)

func main() {
	identity := flag.String("identity", "dev-admin@example.com", "Identity the super_admin session is created for")
	service := flag.String("service", "docserver-dev", "Subject of the service bearer token")
	ttl := flag.Duration("ttl", 12*time.Hour, "Bearer token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StoreDriver != config.DriverPostgres {
		log.Fatal("seed: DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	if cfg.JWTPrivateKey == "" || cfg.JWTPublicKey == "" {
		log.Fatal("seed: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required to sign dev tokens")
	}
	priv, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("seed: jwt private key: %v", err)
	}
	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("seed: jwt public key: %v", err)
	}
	hashKey, err := security.DeriveKey([]byte(cfg.MasterSecret), security.PurposeSubjectHash)
	if err != nil {
		log.Fatalf("seed: subject key: %v", err)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, "docgate-seed")
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	defer func() { _ = a.Close(ctx) }()

	subject := security.SubjectHash(hashKey, *identity)
	s, err := a.Sessions.CreateSession(ctx, sessiondomain.Assertion{
		SubjectHash: subject,
		Role:        rbac.RoleSuperAdmin,
		Factor1OK:   true,
		Factor2OK:   true,
		Completed:   []sessiondomain.Factor{sessiondomain.FactorFirst, sessiondomain.FactorSecond},
	}, "127.0.0.1", "seed")
	if err != nil {
		log.Fatalf("seed: create session: %v", err)
	}

	tp := security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience)
	adminTok, adminExp, err := tp.Issue(subject, string(rbac.RoleSuperAdmin), s.ID, s.CreatedAt, *ttl)
	if err != nil {
		log.Fatalf("seed: issue admin token: %v", err)
	}
	svcTok, svcExp, err := tp.Issue(*service, string(rbac.RoleService), "", time.Time{}, *ttl)
	if err != nil {
		log.Fatalf("seed: issue service token: %v", err)
	}

	fmt.Printf("super_admin session %s for %s (subject %s)\n", s.ID, *identity, subject)
	fmt.Printf("ADMIN_BEARER=%s\n# expires %s\n", adminTok, adminExp.Format(time.RFC3339))
	fmt.Printf("SERVICE_BEARER=%s\n# expires %s\n", svcTok, svcExp.Format(time.RFC3339))
}
