package meshstub

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDetector(run func(ctx context.Context, name string, args ...string) (string, error)) *Detector {
	return &Detector{
		peerCache:  make(map[string]PeerInfo),
		runCommand: run,
	}
}

func TestSelfIP_Success(t *testing.T) {
	d := newTestDetector(func(ctx context.Context, name string, args ...string) (string, error) {
		return "100.64.0.5\n", nil
	})

	if got := d.SelfIP(context.Background()); got != "100.64.0.5" {
		t.Errorf("SelfIP() = %q, want %q", got, "100.64.0.5")
	}
}

func TestSelfIP_CommandNotFound(t *testing.T) {
	d := newTestDetector(func(ctx context.Context, name string, args ...string) (string, error) {
		return "", errors.New("executable file not found")
	})

	if got := d.SelfIP(context.Background()); got != "" {
		t.Errorf("SelfIP() = %q, want empty string on error", got)
	}
}

func TestVerifyPeer_ParsesStatus(t *testing.T) {
	calls := 0
	d := newTestDetector(func(ctx context.Context, name string, args ...string) (string, error) {
		calls++
		return "100.64.0.1   laptop-a   linux   -\n100.64.0.2   laptop-b   linux   -\n", nil
	})

	got := d.VerifyPeer(context.Background(), "100.64.0.2")
	if !got.IsPeer {
		t.Error("expected IsPeer = true for known peer")
	}
	if got.HostName != "laptop-b" {
		t.Errorf("HostName = %q, want laptop-b", got.HostName)
	}

	unknown := d.VerifyPeer(context.Background(), "192.168.1.1")
	if unknown.IsPeer {
		t.Error("expected IsPeer = false for unknown IP")
	}

	if calls != 1 {
		t.Errorf("expected status to be fetched once within cache window, got %d calls", calls)
	}
}

func TestVerifyPeer_CacheExpires(t *testing.T) {
	calls := 0
	d := newTestDetector(func(ctx context.Context, name string, args ...string) (string, error) {
		calls++
		return "100.64.0.1   laptop-a   linux   -\n", nil
	})

	d.VerifyPeer(context.Background(), "100.64.0.1")
	d.lastUpdate = time.Now().Add(-cacheTimeout - time.Second)
	d.VerifyPeer(context.Background(), "100.64.0.1")

	if calls != 2 {
		t.Errorf("expected cache refresh after expiry, got %d calls", calls)
	}
}

func TestVerifyPeer_CommandFails(t *testing.T) {
	d := newTestDetector(func(ctx context.Context, name string, args ...string) (string, error) {
		return "", errors.New("tailscale not running")
	})

	got := d.VerifyPeer(context.Background(), "100.64.0.1")
	if got.IsPeer {
		t.Error("expected IsPeer = false when command fails")
	}
}
