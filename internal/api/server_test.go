package api

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/miradorstack/mirador-health/internal/config"
	"github.com/miradorstack/mirador-health/internal/models"
)

func TestServerPublishesPerServiceHealth(t *testing.T) {
	srv, err := NewServer(config.ServerConfig{Address: "127.0.0.1:0", GracefulTimeout: time.Second})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), srv.GracefulTimeout())
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	score := 40
	srv.PublishSummary([]models.ServiceHealth{
		{Service: "checkout", Status: models.HealthDegraded},
		{Service: "payments", Status: models.HealthCritical, Score: &score},
		{Service: "search", Status: models.HealthUnknown},
	})
	srv.ObserveCollection(models.CollectionResult{
		Service: "checkout",
		Health:  &models.ServiceHealth{Service: "checkout", Status: models.HealthHealthy},
	}, nil)

	cases := map[string]healthpb.HealthCheckResponse_ServingStatus{
		"":         healthpb.HealthCheckResponse_SERVING,
		"checkout": healthpb.HealthCheckResponse_SERVING,
		"payments": healthpb.HealthCheckResponse_NOT_SERVING,
		"search":   healthpb.HealthCheckResponse_SERVICE_UNKNOWN,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for service, want := range cases {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		if resp.GetStatus() != want {
			t.Fatalf("service %q: expected %s, got %s", service, want, resp.GetStatus())
		}
	}
}

func TestServingStatusMapping(t *testing.T) {
	if servingStatus(models.HealthWarning) != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("warning should still be serving")
	}
	if servingStatus("") != healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		t.Fatalf("empty status should be unknown")
	}
}
