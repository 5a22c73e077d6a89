package registry

import (
	"testing"

	"go.uber.org/zap"
)

func TestRegisterRejectsEmptyEndpoints(t *testing.T) {
	_, err := Register(Config{
		Endpoints:    nil,
		ServiceKey:   "/services/mtftp-server/127.0.0.1:6969",
		ServiceValue: "127.0.0.1:6969",
		TTLSeconds:   10,
	}, zap.NewNop())
	if err == nil {
		t.Fatalf("Register with no endpoints: err = nil, want error")
	}
}
