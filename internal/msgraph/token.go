package msgraph

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Classified token-exchange failures. Callers decide whether to retry;
// this package never does.
var (
	// ErrAuthFailed indicates the identity platform rejected the stored
	// credentials (400/401/403). Operators must rotate the app secret.
	ErrAuthFailed = errors.New("graph authentication failed")

	// ErrServiceUnavailable indicates the token endpoint answered with a 5xx.
	ErrServiceUnavailable = errors.New("graph token service unavailable")
)

const tokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

// Credentials holds the client-credentials grant inputs.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// NewTokenSource returns a reusing token source that exchanges the client
// credentials for short-lived bearer tokens with the Graph default scope.
func NewTokenSource(ctx context.Context, creds Credentials) oauth2.TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURLFormat, creds.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return classifyingSource{src: cfg.TokenSource(ctx)}
}

// classifyingSource wraps a token source so that transport-level failures map
// onto the error taxonomy the pipeline acts on.
type classifyingSource struct {
	src oauth2.TokenSource
}

func (c classifyingSource) Token() (*oauth2.Token, error) {
	tok, err := c.src.Token()
	if err != nil {
		return nil, ClassifyTokenError(err)
	}
	return tok, nil
}

// ClassifyTokenError maps a token retrieval error onto ErrAuthFailed or
// ErrServiceUnavailable based on the endpoint's status code. Errors without
// a response (network failures) are returned as-is.
func ClassifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr.Response == nil {
		return err
	}
	switch code := rerr.Response.StatusCode; {
	case code == http.StatusBadRequest, code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: token endpoint returned %d: %s", ErrAuthFailed, code, firstBytes(rerr.Body, 200))
	case code >= 500 && code < 600:
		return fmt.Errorf("%w: token endpoint returned %d", ErrServiceUnavailable, code)
	default:
		return err
	}
}

// VerifyToken performs one token exchange up front so the pipeline can fail
// in the auth phase before touching the mailbox.
func VerifyToken(ts oauth2.TokenSource) error {
	if _, err := ts.Token(); err != nil {
		return err
	}
	return nil
}

func firstBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
