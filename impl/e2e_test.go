package impl

import (
	"net"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/exp/slog"

	"obsws/client/internal"
	"obsws/client/obstest"
)

func startServer(t *testing.T, password string) (*obstest.Server, string, int) {
	t.Helper()

	logger := slog.New(slog.HandlerOptions{}.NewTextHandler(os.Stdout))
	srv := obstest.NewServer(logger, password)

	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)

	host, portText, err := net.SplitHostPort(strings.TrimPrefix(hs.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}

	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatal(err)
	}

	return srv, host, port
}

func pollUntil(t *testing.T, client *internal.Client, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v", what)
		}

		client.Poll()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestE2E(t *testing.T) {
	srv, host, port := startServer(t, "supersecretpassword")

	logger := slog.New(slog.HandlerOptions{}.NewTextHandler(os.Stdout))
	events := []internal.Event{}

	client := internal.NewClient(logger, NewTCP(logger), NewTLS(logger))
	cfg := internal.Config{
		Host:     host,
		Port:     port,
		Password: "supersecretpassword",
		OnEvent:  func(evt internal.Event) { events = append(events, evt) },
	}

	if err := client.Begin(cfg); err != nil {
		t.Fatal(err)
	}

	defer client.Close()

	pollUntil(t, client, "handshake", func() bool {
		return client.Status() == internal.StatusConnected
	})

	if err := client.SendRequest("GetVersion", ""); err != nil {
		t.Fatal(err)
	}

	pollUntil(t, client, "request response", func() bool {
		return len(events) > 0
	})

	if events[0].ID != "1" {
		t.Fatalf("expected response for request 1, got %v", events[0].ID)
	}

	reqs := srv.Requests()
	if len(reqs) != 1 || reqs[0].Type != "GetVersion" || reqs[0].ID != "1" {
		t.Fatalf("server saw unexpected requests %+v", reqs)
	}

	if err := srv.Push("StudioModeStateChanged", map[string]any{"studioModeEnabled": true}); err != nil {
		t.Fatal(err)
	}

	pollUntil(t, client, "pushed event", func() bool {
		for _, evt := range events {
			if evt.ID == "StudioModeStateChanged" {
				return true
			}
		}
		return false
	})

	client.Close()

	deadline := time.Now().Add(5 * time.Second)
	for srv.ConnectionCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never noticed the client leaving")
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func TestE2EBadPassword(t *testing.T) {
	_, host, port := startServer(t, "supersecretpassword")

	logger := slog.New(slog.HandlerOptions{}.NewTextHandler(os.Stdout))

	client := internal.NewClient(logger, NewTCP(logger), NewTLS(logger))
	cfg := internal.Config{
		Host:     host,
		Port:     port,
		Password: "wrong",
	}

	if err := client.Begin(cfg); err != nil {
		t.Fatal(err)
	}

	defer client.Close()

	pollUntil(t, client, "rejection", func() bool {
		s := client.Status()
		return s == internal.StatusDisconnected || s == internal.StatusError
	})

	if client.Status() == internal.StatusConnected {
		t.Fatal("client connected with a bad password")
	}
}
