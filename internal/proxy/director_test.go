package proxy

import (
	"context"
	"log/slog"
	"testing"

	grpcproxy "github.com/siderolabs/grpc-proxy/proxy"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/svchub/svchub/internal/eventbus"
	"github.com/svchub/svchub/internal/registry"
	"github.com/svchub/svchub/internal/router"
)

func fixture() (*registry.Table, *Director) {
	table := registry.New()
	bus := eventbus.New(slog.Default())
	rt := router.New(table, bus, nil, slog.Default())
	return table, NewDirector(rt, slog.Default())
}

func TestServiceSegment(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/echo.Echo/Echo", "echo.Echo"},
		{"/svchub.Hub/ListServices", "svchub.Hub"},
		{"/noslash", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := serviceSegment(tc.in); got != tc.want {
			t.Errorf("serviceSegment(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDirectorRoutesToBestInstance(t *testing.T) {
	table, d := fixture()
	table.Upsert(registry.Description{Name: "echo", Address: "10.0.0.5", Port: 50061})

	mode, backends, err := d.Director(context.Background(), "/echo.Echo/Echo")
	if err != nil {
		t.Fatal(err)
	}
	if mode != grpcproxy.One2One {
		t.Errorf("mode = %v", mode)
	}
	if len(backends) != 1 || backends[0].String() != "10.0.0.5:50061" {
		t.Fatalf("backends = %v", backends)
	}

	// The same target reuses one backend.
	_, again, _ := d.Director(context.Background(), "/echo.Echo/Other")
	if backends[0] != again[0] {
		t.Error("backend not cached per target")
	}
}

func TestDirectorRejectsUnknownService(t *testing.T) {
	_, d := fixture()

	_, _, err := d.Director(context.Background(), "/ghost.Ghost/Do")
	if status.Code(err) != codes.NotFound {
		t.Errorf("err = %v, want NotFound", err)
	}

	_, _, err = d.Director(context.Background(), "garbage")
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("err = %v, want InvalidArgument", err)
	}
}

func TestBackendPassthrough(t *testing.T) {
	b := &Backend{target: "h:1"}

	resp := []byte("frame")
	out, err := b.AppendInfo(false, resp)
	if err != nil || string(out) != "frame" {
		t.Errorf("AppendInfo = %q, %v", out, err)
	}

	_, err = b.BuildError(false, context.DeadlineExceeded)
	if err == nil {
		t.Error("BuildError swallowed the error")
	}
}
