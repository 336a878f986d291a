package pgfinch

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"
)

const clientNonceLen = 16

// gs2Header is the fixed channel-binding prefix of the client-first
// message; "biws" is its base64 encoding, sent back in client-final.
const gs2Header = "n,,"

// SCRAM authentication errors. All are fatal to the connection attempt;
// the caller must restart the whole connection.
var (
	ErrSASLBadServerNonce    = errors.New("SCRAM server nonce does not start with the client nonce")
	ErrSASLBadSalt           = errors.New("SCRAM server sent an invalid salt")
	ErrSASLBadIterationCount = errors.New("SCRAM server sent an invalid iteration count")
	ErrSASLBadVerifier       = errors.New("SCRAM server signature verification failed")
	ErrSASLRejected          = errors.New("SCRAM authentication rejected by server")
)

type scramState int8

const (
	scramInit scramState = iota
	scramClientFirstSent
	scramServerFirstReceived
	scramClientFinalSent
	scramServerFinalReceived
	scramFailed
)

// scramClient drives the client side of a SCRAM-SHA-256 exchange
// (RFC 5802, RFC 7677). The transcript (authMessage) accumulates the
// client-first-bare, server-first, and client-final-without-proof
// messages joined by commas; both sides sign it.
type scramClient struct {
	state scramState

	username string
	password []byte

	clientNonce []byte

	clientFirstMessageBare []byte
	serverFirstMessage     []byte

	serverNonce []byte
	salt        []byte
	iterations  int

	clientKey []byte
	serverKey []byte
	storedKey []byte

	authMessage []byte
}

func newScramClient(username, password string) (*scramClient, error) {
	sc := &scramClient{username: username}

	// precis.OpaqueString is equivalent to SASLprep for password.
	// PostgreSQL allows passwords invalid according to SCRAM / SASLprep,
	// so fall back to the raw password on error.
	var err error
	sc.password, err = precis.OpaqueString.Bytes([]byte(password))
	if err != nil {
		sc.password = []byte(password)
	}

	buf := make([]byte, clientNonceLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	sc.clientNonce = make([]byte, base64.StdEncoding.EncodedLen(len(buf)))
	base64.StdEncoding.Encode(sc.clientNonce, buf)

	return sc, nil
}

// composeChallenge builds the client-first message and appends its bare
// part (without the GS2 header) to the transcript.
func (sc *scramClient) composeChallenge() ([]byte, error) {
	if sc.state != scramInit {
		return nil, sc.fail(fmt.Errorf("SCRAM challenge composed in state %d", sc.state))
	}

	sc.clientFirstMessageBare = []byte(fmt.Sprintf("n=%s,r=%s", escapeSASLName(sc.username), sc.clientNonce))
	sc.authMessage = append(sc.authMessage, sc.clientFirstMessageBare...)

	sc.state = scramClientFirstSent
	return append([]byte(gs2Header), sc.clientFirstMessageBare...), nil
}

// receiveChallenge parses the server-first message, validates the nonce,
// salt, and iteration count, and derives the proof keys.
func (sc *scramClient) receiveChallenge(serverFirstMessage []byte) error {
	if sc.state != scramClientFirstSent {
		return sc.fail(fmt.Errorf("SCRAM server-first received in state %d", sc.state))
	}

	attrs, err := parseSASLAttributes(serverFirstMessage)
	if err != nil {
		return sc.fail(err)
	}

	serverNonce, ok := attrs["r"]
	if !ok || !bytes.HasPrefix([]byte(serverNonce), sc.clientNonce) {
		return sc.fail(ErrSASLBadServerNonce)
	}
	sc.serverNonce = []byte(serverNonce)

	saltStr, ok := attrs["s"]
	if !ok {
		return sc.fail(ErrSASLBadSalt)
	}
	sc.salt, err = base64.StdEncoding.DecodeString(saltStr)
	if err != nil {
		return sc.fail(ErrSASLBadSalt)
	}

	iterStr, ok := attrs["i"]
	if !ok {
		return sc.fail(ErrSASLBadIterationCount)
	}
	sc.iterations, err = strconv.Atoi(iterStr)
	if err != nil || sc.iterations <= 0 {
		return sc.fail(ErrSASLBadIterationCount)
	}

	saltedPassword := pbkdf2.Key(sc.password, sc.salt, sc.iterations, sha256.Size, sha256.New)
	sc.clientKey = computeHMAC(saltedPassword, []byte("Client Key"))
	sc.serverKey = computeHMAC(saltedPassword, []byte("Server Key"))
	storedKey := sha256.Sum256(sc.clientKey)
	sc.storedKey = storedKey[:]

	sc.serverFirstMessage = serverFirstMessage
	sc.authMessage = append(sc.authMessage, ',')
	sc.authMessage = append(sc.authMessage, serverFirstMessage...)

	sc.state = scramServerFirstReceived
	return nil
}

// composeResponse builds the client-final message carrying the proof.
func (sc *scramClient) composeResponse() ([]byte, error) {
	if sc.state != scramServerFirstReceived {
		return nil, sc.fail(fmt.Errorf("SCRAM response composed in state %d", sc.state))
	}

	withoutProof := []byte(fmt.Sprintf("c=biws,r=%s", sc.serverNonce))
	sc.authMessage = append(sc.authMessage, ',')
	sc.authMessage = append(sc.authMessage, withoutProof...)

	clientSignature := computeHMAC(sc.storedKey, sc.authMessage)
	clientProof := make([]byte, len(clientSignature))
	for i := range clientProof {
		clientProof[i] = clientSignature[i] ^ sc.clientKey[i]
	}

	sc.state = scramClientFinalSent
	return []byte(fmt.Sprintf("%s,p=%s", withoutProof, base64.StdEncoding.EncodeToString(clientProof))), nil
}

// receiveResponse verifies the server-final message's signature against
// the one computed from the shared transcript.
func (sc *scramClient) receiveResponse(serverFinalMessage []byte) error {
	if sc.state != scramClientFinalSent {
		return sc.fail(fmt.Errorf("SCRAM server-final received in state %d", sc.state))
	}

	attrs, err := parseSASLAttributes(serverFinalMessage)
	if err != nil {
		return sc.fail(err)
	}

	if errMsg, ok := attrs["e"]; ok {
		return sc.fail(fmt.Errorf("%w: %s", ErrSASLRejected, errMsg))
	}

	verifier, ok := attrs["v"]
	if !ok {
		return sc.fail(ErrSASLBadVerifier)
	}

	serverSignature := computeHMAC(sc.serverKey, sc.authMessage)
	if base64.StdEncoding.EncodeToString(serverSignature) != verifier {
		return sc.fail(ErrSASLBadVerifier)
	}

	sc.state = scramServerFinalReceived
	return nil
}

func (sc *scramClient) fail(err error) error {
	sc.state = scramFailed
	return err
}

func computeHMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// parseSASLAttributes splits a comma-separated key=value SCRAM message.
func parseSASLAttributes(data []byte) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(string(data), ",") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found || len(key) != 1 {
			return nil, fmt.Errorf("invalid SCRAM attribute %q", part)
		}
		attrs[key] = value
	}
	return attrs, nil
}

// escapeSASLName escapes "," and "=" in a SASL username per RFC 5802.
func escapeSASLName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	return strings.ReplaceAll(name, ",", "=2C")
}
