package pgfinch

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/finchdb/pgfinch/wire"
)

// handleAuthentication drives the authentication exchange to completion
// starting from the first Authentication message received after the
// startup packet. It returns when an AuthTypeOk arrives; any failure is
// fatal to the connection attempt.
func (c *Conn) handleAuthentication(msg *wire.Message) error {
	code, err := msg.ReadInt32()
	if err != nil {
		return err
	}

	switch code {
	case wire.AuthTypeOk:
		return nil
	case wire.AuthTypeCleartextPassword:
		if c.config.Password == "" {
			return &ConfigError{msg: "server requested clear-text password authentication but no password was configured"}
		}
		if err := c.writeWire(wire.AppendPassword(nil, c.config.Password)); err != nil {
			return err
		}
	case wire.AuthTypeMD5Password:
		salt, err := msg.ReadBytes(4)
		if err != nil {
			return err
		}
		if c.config.Password == "" {
			return &ConfigError{msg: "server requested MD5 password authentication but no password was configured"}
		}
		digest := digestMD5(c.config.Password, c.config.User, salt)
		if err := c.writeWire(wire.AppendPassword(nil, digest)); err != nil {
			return err
		}
	case wire.AuthTypeSASL:
		if err := c.scramAuth(msg); err != nil {
			return err
		}
	case wire.AuthTypeSCMCreds:
		return fmt.Errorf("unsupported authentication method: SCM credentials")
	case wire.AuthTypeGSS, wire.AuthTypeGSSCont:
		return fmt.Errorf("unsupported authentication method: GSS")
	case wire.AuthTypeSSPI:
		return fmt.Errorf("unsupported authentication method: SSPI")
	default:
		return fmt.Errorf("unsupported authentication method: code %d", code)
	}

	// The methods above are single round trips followed by the server's
	// verdict: AuthenticationOk or an ErrorResponse.
	next, err := c.receiveMessage()
	if err != nil {
		return err
	}
	switch next.Type {
	case wire.AuthenticationTag:
		authCode, err := next.ReadInt32()
		if err != nil {
			return err
		}
		if authCode != wire.AuthTypeOk {
			return fmt.Errorf("unexpected authentication code %d after password exchange", authCode)
		}
		return nil
	case wire.ErrorResponseTag:
		pgErr, err := errorResponseFields(next)
		if err != nil {
			return err
		}
		return pgErr
	default:
		return fmt.Errorf("unexpected message %q during authentication", next.Type)
	}
}

// scramAuth runs the SCRAM-SHA-256 exchange. msg is the AuthTypeSASL
// message positioned after the code, its remainder listing the mechanisms
// the server offers as C-strings.
func (c *Conn) scramAuth(msg *wire.Message) error {
	var hasScramSHA256 bool
	for msg.Remaining() > 1 {
		mech, err := msg.ReadCString()
		if err != nil {
			return err
		}
		if mech == "SCRAM-SHA-256" {
			hasScramSHA256 = true
		}
	}
	if !hasScramSHA256 {
		return fmt.Errorf("server does not support SCRAM-SHA-256")
	}

	if c.config.Password == "" {
		return &ConfigError{msg: "server requested SCRAM-SHA-256 authentication but no password was configured"}
	}

	sc, err := newScramClient(c.config.User, c.config.Password)
	if err != nil {
		return err
	}

	clientFirst, err := sc.composeChallenge()
	if err != nil {
		return err
	}
	if err := c.writeWire(wire.AppendSASLInitialResponse(nil, "SCRAM-SHA-256", clientFirst)); err != nil {
		return err
	}

	serverFirst, err := c.receiveSASLMessage(wire.AuthTypeSASLContinue)
	if err != nil {
		return err
	}
	if err := sc.receiveChallenge(serverFirst); err != nil {
		return err
	}

	clientFinal, err := sc.composeResponse()
	if err != nil {
		return err
	}
	if err := c.writeWire(wire.AppendSASLResponse(nil, clientFinal)); err != nil {
		return err
	}

	serverFinal, err := c.receiveSASLMessage(wire.AuthTypeSASLFinal)
	if err != nil {
		return err
	}
	return sc.receiveResponse(serverFinal)
}

// receiveSASLMessage reads the next Authentication message and returns
// its SASL payload, requiring the given continuation code.
func (c *Conn) receiveSASLMessage(wantCode int32) ([]byte, error) {
	msg, err := c.receiveMessage()
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case wire.AuthenticationTag:
		code, err := msg.ReadInt32()
		if err != nil {
			return nil, err
		}
		if code != wantCode {
			return nil, fmt.Errorf("expected SASL continuation code %d, got %d", wantCode, code)
		}
		return msg.ReadAll(), nil
	case wire.ErrorResponseTag:
		pgErr, err := errorResponseFields(msg)
		if err != nil {
			return nil, err
		}
		return nil, pgErr
	default:
		return nil, fmt.Errorf("unexpected message %q during SASL exchange", msg.Type)
	}
}

// digestMD5 computes the MD5 password response:
// "md5" + hex(md5(hex(md5(password + user)) + salt)).
func digestMD5(password, user string, salt []byte) string {
	inner := hexMD5(password + user)
	return "md5" + hexMD5(inner+string(salt))
}

func hexMD5(s string) string {
	hash := md5.New()
	io.WriteString(hash, s)
	return hex.EncodeToString(hash.Sum(nil))
}
