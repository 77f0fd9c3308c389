package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	docgatev1 "docgate/api/docgate/v1"
	adminhandler "docgate/internal/admin/handler"
	"docgate/internal/app"
	"docgate/internal/config"
	gatehandler "docgate/internal/gate/handler"
	healthhandler "docgate/internal/health/handler"
	"docgate/internal/security"
	"docgate/internal/server"
)

const healthInterval = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.JWTPublicKey == "" {
		log.Fatal("JWT_PUBLIC_KEY is required to verify caller bearer tokens")
	}
	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("jwt public key: %v", err)
	}
	bearer := security.NewTokenProvider(nil, pub, cfg.JWTIssuer, cfg.JWTAudience)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "docgate-server")
	if err != nil {
		log.Fatalf("%v", err)
	}

	var pinger healthhandler.Pinger
	if a.DB != nil {
		pinger = a.DB
	}
	health := healthhandler.NewServer(pinger, a.Policy, docgatev1.AccessServiceName, docgatev1.AdminServiceName)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(server.Interceptors(bearer, a.Ledger, a.Events)...),
	)
	server.RegisterServices(s, server.Deps{
		Access: gatehandler.NewServer(a.Gate, a.Sessions, a.Tracker),
		Admin:  adminhandler.NewServer(a.Admin, a.Sessions),
		Health: health,
	})

	go health.Run(ctx, healthInterval)
	go func() {
		log.Printf("gRPC server listening on %s (store %s)", cfg.GRPCAddr, cfg.StoreDriver)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down gRPC server...")
	health.Shutdown()
	s.GracefulStop()
	app.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("gRPC server stopped")
}
