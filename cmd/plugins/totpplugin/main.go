// Command totpplugin is the reference "totp" authentication-method child
// process driven by C4 over the §4.4 framed stdio protocol.
//
// Secret enrollment and code verification are grounded on the MFA setup
// and verification handlers in handlers/security.go (totp.Generate /
// totp.Validate), adapted from the two-step gin handshake (setup then
// verify-and-enable) into the PROCESS/STORE exchange a plugin gets: a
// PROCESS with no persisted secret enrolls and returns it via STORE for
// CredentialsDB to persist, a PROCESS with a persisted secret validates
// the supplied code directly.
package main

import (
	"os"

	"github.com/pquerna/otp/totp"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/pluginproxy"
)

const mechanismVerifyCode = "verify_code"

func main() {
	conn := pluginproxy.NewChildConn(os.Stdin, os.Stdout)
	if err := conn.SendReady(); err != nil {
		os.Exit(1)
	}

	for {
		msg, err := conn.Read()
		if err != nil {
			return
		}
		switch msg.Op {
		case pluginproxy.OpType:
			_ = conn.Result(map[string]any{"type": "totp"})
		case pluginproxy.OpMechanisms:
			_ = conn.Result(map[string]any{"mechanisms": []string{mechanismVerifyCode}})
		case pluginproxy.OpProcess:
			handleProcess(conn, msg.Params)
		case pluginproxy.OpProcessUI:
			_ = conn.Error(string(apperror.OperationNotSupported), "totp does not use UI round-trips")
		case pluginproxy.OpRefresh:
			_ = conn.Refreshed(msg.Params)
		case pluginproxy.OpCancel:
			_ = conn.Error(string(apperror.SessionCanceledCode), "canceled")
		case pluginproxy.OpStop:
			return
		}
	}
}

func handleProcess(conn *pluginproxy.ChildConn, params map[string]any) {
	secret, hasSecret := params["Secret"].(string)
	code, _ := params["code"].(string)

	if !hasSecret || secret == "" {
		enrollSecret(conn, params)
		return
	}

	if code == "" {
		_ = conn.Error(string(apperror.MissingData), "code is required")
		return
	}
	if !totp.Validate(code, secret) {
		_ = conn.Error(string(apperror.InvalidCredentialsCode), "invalid verification code")
		return
	}
	_ = conn.Result(map[string]any{"UserName": params["UserName"]})
}

func enrollSecret(conn *pluginproxy.ChildConn, params map[string]any) {
	accountName, _ := params["UserName"].(string)
	issuer, _ := params["issuer"].(string)
	if issuer == "" {
		issuer = "signond"
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		_ = conn.Error(string(apperror.OperationFailed), "failed to generate TOTP secret: "+err.Error())
		return
	}

	_ = conn.Store(map[string]any{"Secret": key.Secret()})
	_ = conn.Result(map[string]any{
		"UserName":     accountName,
		"provisionUri": key.URL(),
	})
}
