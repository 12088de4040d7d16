package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToFileStreamsBodyAndHashesIt(t *testing.T) {
	body := []byte("hello from the toolchain registry")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	res, err := ToFile(context.Background(), srv.URL, dest, false, nil)
	require.NoError(t, err)

	want := sha256.Sum256(body)
	require.Equal(t, hex.EncodeToString(want[:]), res.SHA256)
	require.Equal(t, int64(len(body)), res.Bytes)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

// A caller-supplied context that is merely long-lived (not cancelled before
// the request runs) must not be poisoned by the connect-timeout machinery:
// regression coverage for the bug where cancel() was invoked immediately
// after building the request, before client.Do ever ran.
func TestToFileSucceedsWithLiveContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dest := filepath.Join(t.TempDir(), "out.bin")
	_, err := ToFile(ctx, srv.URL, dest, false, nil)
	require.NoError(t, err)
}

func TestToFileReportsProgress(t *testing.T) {
	body := make([]byte, 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	var lastDownloaded, lastTotal int64
	dest := filepath.Join(t.TempDir(), "out.bin")
	_, err := ToFile(context.Background(), srv.URL, dest, false, func(downloaded, total int64) {
		lastDownloaded, lastTotal = downloaded, total
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), lastDownloaded)
	require.Equal(t, int64(len(body)), lastTotal)
}

func TestToFileFailsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	_, err := ToFile(context.Background(), srv.URL, dest, false, nil)
	require.Error(t, err)
}

func TestToFileFailsWhenAlreadyCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "out.bin")
	_, err := ToFile(ctx, srv.URL, dest, false, nil)
	require.Error(t, err)
}
