// Command gdrive-auth runs the OAuth consent flow once and prints the
// refresh token to put in GDRIVE_REFRESH_TOKEN.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"framefarm/internal/adapters/storage/gdrive"
	"framefarm/internal/config"
	"framefarm/internal/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Format: "text", Output: os.Stderr, ServiceName: "gdrive-auth"})

	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("failed to load config", err)
	}
	if cfg.Storage.GDrive.ClientID == "" || cfg.Storage.GDrive.ClientSecret == "" {
		log.LogFatal("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required", nil)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.LogFatal("failed to open callback listener", err)
	}
	defer ln.Close()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)
	conf := gdrive.OAuthConfig(cfg.Storage.GDrive, redirectURL)
	state := randomState()

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code, err := callbackCode(r, state)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			errCh <- err
			return
		}
		fmt.Fprintln(w, "Done. You can close this window and return to the terminal.")
		codeCh <- code
	})

	srv := &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()

	// prompt=consent makes Google hand out a refresh token again.
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Fprintf(os.Stderr, "\nOpen this URL in your browser:\n\n%s\n\nWaiting for the callback on %s\n", authURL, redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		_ = srv.Close()
		log.LogFatal("authorization failed", err)
	case <-time.After(3 * time.Minute):
		_ = srv.Close()
		log.LogFatal("timed out waiting for authorization", nil)
	}
	_ = srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		log.LogFatal("token exchange failed", err)
	}
	if strings.TrimSpace(tok.RefreshToken) == "" {
		log.LogFatal("no refresh token returned; revoke the app at https://myaccount.google.com/permissions and retry", nil)
	}
	fmt.Println(tok.RefreshToken)
}

func callbackCode(r *http.Request, state string) (string, error) {
	q := r.URL.Query()
	if q.Get("state") != state {
		return "", fmt.Errorf("invalid state")
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("auth error: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("missing code")
	}
	return code, nil
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
