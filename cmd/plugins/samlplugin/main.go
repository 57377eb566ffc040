// Command samlplugin is the reference "saml" authentication-method child
// process driven by C4 over the §4.4 framed stdio protocol.
//
// The assertion request/validate cycle is grounded on
// internal/auth/saml.go's SAMLAuthenticator, adapted from a
// samlsp.Middleware HTTP handler pair (AuthnRequest redirect, ACS POST
// handler) to the plugin's two-message exchange: an initial PROCESS that
// emits a UI redirect, and a PROCESS_UI carrying the IdP's POSTed
// response back for validation. Attribute extraction follows
// ExtractUserFromAssertion's field-by-field mapping.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/pluginproxy"
)

const mechanismWebSSO = "web_sso"

type attributeMapping struct {
	email, username, firstName, lastName, groups string
}

type pending struct {
	sp        *saml.ServiceProvider
	requestID string
	mapping   attributeMapping
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
			_ = conn.Result(map[string]any{"type": "saml"})
		case pluginproxy.OpMechanisms:
			_ = conn.Result(map[string]any{"mechanisms": []string{mechanismWebSSO}})
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

func handleProcess(conn *pluginproxy.ChildConn, params map[string]any) *pending {
	entityID, _ := params["entityId"].(string)
	acsURL, _ := params["acsUrl"].(string)
	metadataURL, _ := params["idpMetadataUrl"].(string)
	if entityID == "" || acsURL == "" || metadataURL == "" {
		_ = conn.Error(string(apperror.MissingData), "entityId, acsUrl and idpMetadataUrl are required")
		return nil
	}

	rootURL, err := url.Parse(entityID)
	if err != nil {
		_ = conn.Error(string(apperror.MechanismNotAvailable), fmt.Sprintf("invalid entity ID: %v", err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	idpMetadata, err := samlsp.FetchMetadata(ctx, http.DefaultClient, mustParseURL(metadataURL))
	if err != nil {
		_ = conn.Error(string(apperror.MechanismNotAvailable), fmt.Sprintf("fetch idp metadata: %v", err))
		return nil
	}

	acs, err := url.Parse(acsURL)
	if err != nil {
		_ = conn.Error(string(apperror.MechanismNotAvailable), fmt.Sprintf("invalid acsUrl: %v", err))
		return nil
	}

	var key *rsa.PrivateKey
	var cert *x509.Certificate

	sp := &saml.ServiceProvider{
		EntityID:          entityID,
		Key:               key,
		Certificate:       cert,
		AcsURL:            *acs,
		MetadataURL:       *rootURL.ResolveReference(&url.URL{Path: "/saml/metadata"}),
		IDPMetadata:       idpMetadata,
		AllowIDPInitiated: false,
	}

	authReq, err := sp.MakeAuthenticationRequest(sp.GetSSOBindingLocation(saml.HTTPRedirectBinding), saml.HTTPPostBinding)
	if err != nil {
		_ = conn.Error(string(apperror.OperationFailed), fmt.Sprintf("build authentication request: %v", err))
		return nil
	}
	redirectURL, err := authReq.Redirect("", sp)
	if err != nil {
		_ = conn.Error(string(apperror.OperationFailed), fmt.Sprintf("build redirect: %v", err))
		return nil
	}

	mapping := attributeMapping{
		email:     stringOr(params["emailAttribute"], "email"),
		username:  stringOr(params["usernameAttribute"], "username"),
		firstName: stringOr(params["firstNameAttribute"], "firstName"),
		lastName:  stringOr(params["lastNameAttribute"], "lastName"),
		groups:    stringOr(params["groupsAttribute"], "groups"),
	}

	_ = conn.UI(map[string]any{
		"requestUrl": redirectURL.String(),
		"message":    "Complete sign-in with your identity provider",
	})

	return &pending{sp: sp, requestID: authReq.ID, mapping: mapping}
}

func handleCallback(conn *pluginproxy.ChildConn, p *pending, params map[string]any) *pending {
	if p == nil {
		_ = conn.Error(string(apperror.WrongState), "no authentication request in progress")
		return nil
	}
	samlResponse, _ := params["samlResponse"].(string)
	if samlResponse == "" {
		_ = conn.Error(string(apperror.MissingData), "samlResponse is required")
		return nil
	}

	httpReq, err := http.NewRequest(http.MethodPost, p.sp.AcsURL.String(), nil)
	if err != nil {
		_ = conn.Error(string(apperror.OperationFailed), fmt.Sprintf("build validation request: %v", err))
		return nil
	}
	httpReq.PostForm = url.Values{"SAMLResponse": {samlResponse}}

	assertion, err := p.sp.ParseResponse(httpReq, []string{p.requestID})
	if err != nil {
		_ = conn.Error(string(apperror.InvalidCredentialsCode), fmt.Sprintf("assertion validation failed: %v", err))
		return nil
	}

	user := extractAttributes(assertion, p.mapping)
	_ = conn.Result(map[string]any{
		"UserName": user.username,
		"email":    user.email,
		"groups":   user.groups,
	})
	return nil
}

type userAttributes struct {
	username, email, firstName, lastName string
	groups                               []string
}

// extractAttributes walks assertion's AttributeStatements the way
// ExtractUserFromAssertion does, mapped through the caller-configured
// attribute names instead of a fixed AttributeMapping struct.
func extractAttributes(assertion *saml.Assertion, mapping attributeMapping) userAttributes {
	var u userAttributes
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			if len(attr.Values) == 0 {
				continue
			}
			value := attr.Values[0].Value
			switch attr.Name {
			case mapping.email:
				u.email = value
			case mapping.username:
				u.username = value
			case mapping.firstName:
				u.firstName = value
			case mapping.lastName:
				u.lastName = value
			case mapping.groups:
				u.groups = append(u.groups, value)
			}
		}
	}
	if u.username == "" {
		u.username = u.email
	}
	return u
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func mustParseURL(raw string) url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return url.URL{}
	}
	return *u
}
