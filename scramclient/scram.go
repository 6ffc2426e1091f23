package scramclient

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var b64 = base64.StdEncoding

var (
	ErrBadServerMessage = errors.New("malformed scram server message")
	ErrServerSignature  = errors.New("server signature mismatch")
)

// ScramClient drives the client side of one SCRAM conversation. A client
// is single-use; allocate a fresh one per authentication attempt.
type ScramClient struct {
	mech     string
	hashFn   func() hash.Hash
	username string
	password string

	clientNonce        []byte
	clientFirstMsgBare []byte
	serverFirstMsg     []byte
	saltedPassword     []byte
	authMsg            []byte
	stepped            bool
}

// SupportedMechs lists the mechanisms this package implements, strongest
// first. Used to pick from the server's SASL_LIST_MECHS response.
var SupportedMechs = []string{"SCRAM-SHA512", "SCRAM-SHA256", "SCRAM-SHA1"}

func parseHashFn(mech string) (func() hash.Hash, error) {
	switch mech {
	case "SCRAM-SHA512":
		return sha512.New, nil
	case "SCRAM-SHA256":
		return sha256.New, nil
	case "SCRAM-SHA1":
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("unknown hash function: %s", mech)
	}
}

func NewScramClient(mech, username, password string) (*ScramClient, error) {
	hashFn, err := parseHashFn(mech)
	if err != nil {
		return nil, err
	}

	nonceLen := 8
	buf := make([]byte, nonceLen+b64.EncodedLen(nonceLen))
	if _, err := rand.Read(buf[:nonceLen]); err != nil {
		return nil, fmt.Errorf("cannot read random from operating system: %v", err)
	}
	nonce := buf[nonceLen:]
	b64.Encode(nonce, buf[:nonceLen])

	return &ScramClient{
		mech:        mech,
		hashFn:      hashFn,
		username:    username,
		password:    password,
		clientNonce: nonce,
	}, nil
}

func (s *ScramClient) Mech() string {
	return s.mech
}

// ClientFirst produces the payload for SASL_AUTH.
func (s *ScramClient) ClientFirst() []byte {
	var bare bytes.Buffer
	bare.Grow(128)
	bare.WriteString("n=")
	bare.WriteString(escapeUsername(s.username))
	bare.WriteString(",r=")
	bare.Write(s.clientNonce)
	s.clientFirstMsgBare = bare.Bytes()

	var msg bytes.Buffer
	msg.Grow(bare.Len() + 3)
	msg.WriteString("n,,")
	msg.Write(s.clientFirstMsgBare)
	return msg.Bytes()
}

// ClientFinal consumes the server-first message from the SASL_AUTH response
// and produces the payload for SASL_STEP.
func (s *ScramClient) ClientFinal(serverFirst []byte) ([]byte, error) {
	s.serverFirstMsg = serverFirst

	fields, err := parseFields(serverFirst)
	if err != nil {
		return nil, err
	}

	nonce, ok := fields["r"]
	if !ok || !bytes.HasPrefix([]byte(nonce), s.clientNonce) {
		return nil, fmt.Errorf("%w: bad combined nonce", ErrBadServerMessage)
	}

	saltB64, ok := fields["s"]
	if !ok {
		return nil, fmt.Errorf("%w: missing salt", ErrBadServerMessage)
	}
	salt, err := b64.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable salt", ErrBadServerMessage)
	}

	iterStr, ok := fields["i"]
	if !ok {
		return nil, fmt.Errorf("%w: missing iteration count", ErrBadServerMessage)
	}
	iters, err := strconv.Atoi(iterStr)
	if err != nil || iters < 1 {
		return nil, fmt.Errorf("%w: bad iteration count", ErrBadServerMessage)
	}

	s.saltedPassword = pbkdf2.Key([]byte(s.password), salt, iters, s.hashFn().Size(), s.hashFn)

	var withoutProof bytes.Buffer
	withoutProof.Grow(128)
	withoutProof.WriteString("c=biws,r=")
	withoutProof.WriteString(nonce)

	var authMsg bytes.Buffer
	authMsg.Grow(256)
	authMsg.Write(s.clientFirstMsgBare)
	authMsg.WriteString(",")
	authMsg.Write(s.serverFirstMsg)
	authMsg.WriteString(",")
	authMsg.Write(withoutProof.Bytes())
	s.authMsg = authMsg.Bytes()

	proof, err := s.clientProof()
	if err != nil {
		return nil, err
	}

	withoutProof.WriteString(",p=")
	withoutProof.WriteString(b64.EncodeToString(proof))
	s.stepped = true

	return withoutProof.Bytes(), nil
}

// VerifyServerFinal checks the server signature in the final server
// message, completing mutual authentication.
func (s *ScramClient) VerifyServerFinal(serverFinal []byte) error {
	if !s.stepped {
		return errors.New("scram conversation is not at the final step")
	}

	fields, err := parseFields(serverFinal)
	if err != nil {
		return err
	}

	verifier, ok := fields["v"]
	if !ok {
		return fmt.Errorf("%w: missing verifier", ErrBadServerMessage)
	}
	sig, err := b64.DecodeString(verifier)
	if err != nil {
		return fmt.Errorf("%w: undecodable verifier", ErrBadServerMessage)
	}

	serverKey := s.hmac(s.saltedPassword, []byte("Server Key"))
	expected := s.hmac(serverKey, s.authMsg)
	if !hmac.Equal(sig, expected) {
		return ErrServerSignature
	}

	return nil
}

func (s *ScramClient) clientProof() ([]byte, error) {
	clientKey := s.hmac(s.saltedPassword, []byte("Client Key"))

	h := s.hashFn()
	if _, err := h.Write(clientKey); err != nil {
		return nil, err
	}
	storedKey := h.Sum(nil)

	clientSig := s.hmac(storedKey, s.authMsg)

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSig[i]
	}
	return proof, nil
}

func (s *ScramClient) hmac(key, msg []byte) []byte {
	mac := hmac.New(s.hashFn, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func parseFields(msg []byte) (map[string]string, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(string(msg), ",") {
		if len(part) < 2 || part[1] != '=' {
			return nil, fmt.Errorf("%w: field %q", ErrBadServerMessage, part)
		}
		fields[part[:1]] = part[2:]
	}
	return fields, nil
}

func escapeUsername(username string) string {
	username = strings.ReplaceAll(username, "=", "=3D")
	return strings.ReplaceAll(username, ",", "=2C")
}
