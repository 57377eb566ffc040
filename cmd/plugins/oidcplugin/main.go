// Command oidcplugin is the reference "oidc" authentication-method child
// process, speaking the §4.4 framed stdio protocol via pluginproxy.ChildConn.
// It is installed into the plugin directory as liboidcplugin.so (any
// extension matches the lib*plugin.* discovery rule) and spawned by C4.
//
// The authorization-code dance is grounded on internal/auth/oidc.go's
// OIDCAuthenticator, adapted from a gin callback handler pair to the two
// framed messages the wire protocol gives a plugin for one login: an
// initial PROCESS, a UI round-trip carrying the provider's redirect back
// to the caller, and a second PROCESS_UI that completes the exchange.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/pluginproxy"
)

const mechanismAuthorizationCode = "authorization_code"

// pending carries the state a plugin instance needs across the UI
// round-trip; a plugin process drives exactly one PROCESS at a time so
// this doesn't need synchronization.
type pending struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	provider     *oidc.Provider
	state        string
}

func main() {
	conn := pluginproxy.NewChildConn(os.Stdin, os.Stdout)
	if err := conn.SendReady(); err != nil {
		os.Exit(1)
	}

	var current *pending
	for {
		msg, err := conn.Read()
		if err != nil {
			return
		}
		switch msg.Op {
		case pluginproxy.OpType:
			_ = conn.Result(map[string]any{"type": "oidc"})
		case pluginproxy.OpMechanisms:
			_ = conn.Result(map[string]any{"mechanisms": []string{mechanismAuthorizationCode}})
		case pluginproxy.OpProcess:
			current = handleProcess(conn, msg.Params)
		case pluginproxy.OpProcessUI:
			current = handleCallback(conn, current, msg.Params)
		case pluginproxy.OpRefresh:
			_ = conn.Refreshed(msg.Params)
		case pluginproxy.OpCancel:
			current = nil
			_ = conn.Error(string(apperror.SessionCanceledCode), "canceled")
		case pluginproxy.OpStop:
			return
		}
	}
}

// handleProcess starts a login: it replies with a UI round-trip carrying
// the provider's authorization URL, or with an ERROR when the parameters
// or provider discovery fail. handleCallback finishes the login on the
// following PROCESS_UI.
func handleProcess(conn *pluginproxy.ChildConn, params map[string]any) *pending {
	providerURL, _ := params["providerUrl"].(string)
	clientID, _ := params["clientId"].(string)
	clientSecret, _ := params["clientSecret"].(string)
	redirectURI, _ := params["redirectUri"].(string)

	if providerURL == "" || clientID == "" || redirectURI == "" {
		_ = conn.Error(string(apperror.MissingData), "providerUrl, clientId and redirectUri are required")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, providerURL)
	if err != nil {
		_ = conn.Error(string(apperror.MechanismNotAvailable), fmt.Sprintf("discover provider: %v", err))
		return nil
	}

	scopes := []string{oidc.ScopeOpenID, "profile", "email"}
	if raw, ok := params["scopes"].([]any); ok {
		scopes = scopes[:0]
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}

	oauth2Config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	state := fmt.Sprintf("%x", time.Now().UnixNano())
	authURL := oauth2Config.AuthCodeURL(state)

	_ = conn.UI(map[string]any{
		"requestUrl": authURL,
		"message":    "Complete sign-in in your browser, then return the redirect URL",
	})

	return &pending{oauth2Config: oauth2Config, verifier: verifier, provider: provider, state: state}
}

// handleCallback completes the exchange once the UI layer returns the
// provider's redirect.
func handleCallback(conn *pluginproxy.ChildConn, p *pending, params map[string]any) *pending {
	if p == nil {
		_ = conn.Error(string(apperror.WrongState), "no authorization in progress")
		return nil
	}
	redirect, _ := params["redirectUrl"].(string)
	if redirect == "" {
		_ = conn.Error(string(apperror.MissingData), "redirectUrl is required")
		return nil
	}
	u, err := url.Parse(redirect)
	if err != nil {
		_ = conn.Error(string(apperror.InvalidCredentialsCode), "malformed redirect URL")
		return nil
	}
	q := u.Query()
	if q.Get("state") != p.state {
		_ = conn.Error(string(apperror.InvalidCredentialsCode), "state mismatch")
		return nil
	}
	code := q.Get("code")
	if code == "" {
		_ = conn.Error(string(apperror.InvalidCredentialsCode), "missing authorization code")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		_ = conn.Error(string(apperror.InvalidCredentialsCode), fmt.Sprintf("token exchange failed: %v", err))
		return nil
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		_ = conn.Error(string(apperror.InvalidCredentialsCode), "no id_token in token response")
		return nil
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		_ = conn.Error(string(apperror.InvalidCredentialsCode), fmt.Sprintf("id token verification failed: %v", err))
		return nil
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		_ = conn.Error(string(apperror.OperationFailed), fmt.Sprintf("decode claims: %v", err))
		return nil
	}

	username, _ := claims["preferred_username"].(string)
	email, _ := claims["email"].(string)
	if username == "" {
		username = email
	}

	_ = conn.Result(map[string]any{
		"UserName": username,
		"sub":      idToken.Subject,
		"email":    email,
		"claims":   claims,
	})
	return nil
}
