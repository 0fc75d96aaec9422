// Package renterhost implements the handshake, transport, and shared types of
// the protocol spoken between shard owners and shard providers.
package renterhost // import "lukechampine.com/farm/renterhost"

import (
	"bytes"
	"crypto/cipher"
	"io"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"gitlab.com/NebulousLabs/encoding"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/frand"
)

// MinMessageSize is the minimum size of an RPC message. If an encoded message
// would be smaller than MinMessageSize, the sender MAY pad it with random data.
// This hinders traffic analysis by obscuring the true sizes of messages.
const MinMessageSize = 4096

// A HashSigner signs hashes with a secret key.
type HashSigner interface {
	SignHash(hash crypto.Hash) []byte
}

// A HashVerifier verifies that a hash was signed with a secret key.
type HashVerifier interface {
	VerifyHash(hash crypto.Hash, sig []byte) bool
}

// A PeerKey is a HashSigner that knows its own public identity.
type PeerKey interface {
	HashSigner
	HostKey() hostdb.HostPublicKey
}

// A ProtocolObject is any value that can be encoded with
// gitlab.com/NebulousLabs/encoding.
type ProtocolObject = interface{}

// A Session is an ongoing exchange of RPCs between an owner and a provider.
type Session struct {
	conn      io.ReadWriteCloser
	aead      cipher.AEAD
	challenge [16]byte
	isRenter  bool
	peer      Peer
}

// Peer returns the identity presented by the remote party. On the renter side
// it is the zero value.
func (s *Session) Peer() Peer {
	return s.peer
}

func hashChallenge(challenge [16]byte) crypto.Hash {
	c := make([]byte, 32)
	copy(c[:16], "challenge")
	copy(c[16:], challenge[:])
	return blake2b.Sum256(c)
}

// SignChallenge signs the current session challenge.
func (s *Session) SignChallenge(hs HashSigner) []byte {
	return hs.SignHash(hashChallenge(s.challenge))
}

// VerifyChallenge verifies a signature of the current session challenge.
func (s *Session) VerifyChallenge(sig []byte, hv HashVerifier) bool {
	return hv.VerifyHash(hashChallenge(s.challenge), sig)
}

// writeMessage encrypts and writes a single message. The plaintext is an
// 8-byte payload length, the payload, and padding.
func (s *Session) writeMessage(payload []byte) error {
	msgSize := 8 + s.aead.NonceSize() + 8 + len(payload) + s.aead.Overhead()
	if msgSize < MinMessageSize {
		msgSize = MinMessageSize
	}
	msg := make([]byte, msgSize)
	copy(msg, encoding.EncUint64(uint64(msgSize-8)))
	nonce := msg[8:][:s.aead.NonceSize()]
	frand.Read(nonce)

	plaintext := msg[8+len(nonce) : msgSize-s.aead.Overhead()]
	copy(plaintext, encoding.EncUint64(uint64(len(payload))))
	copy(plaintext[8:], payload)
	frand.Read(plaintext[8+len(payload):])
	s.aead.Seal(plaintext[:0], nonce, plaintext, nil)

	_, err := s.conn.Write(msg)
	return err
}

func (s *Session) readMessage(maxLen uint64) ([]byte, error) {
	if maxLen < MinMessageSize {
		maxLen = MinMessageSize
	}
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(s.conn, prefix); err != nil {
		return nil, err
	}
	msgSize := encoding.DecUint64(prefix)
	if msgSize > maxLen {
		return nil, errors.Errorf("message size (%v bytes) exceeds maxLen of %v bytes", msgSize, maxLen)
	} else if msgSize < uint64(s.aead.NonceSize()+8+s.aead.Overhead()) {
		return nil, errors.Errorf("message size (%v bytes) is too small", msgSize)
	}
	msg := make([]byte, msgSize)
	if _, err := io.ReadFull(s.conn, msg); err != nil {
		return nil, err
	}
	nonce := msg[:s.aead.NonceSize()]
	plaintext, err := s.aead.Open(nil, nonce, msg[len(nonce):], nil)
	if err != nil {
		return nil, err
	}
	payloadLen := encoding.DecUint64(plaintext[:8])
	if payloadLen > uint64(len(plaintext)-8) {
		return nil, errors.New("payload length exceeds message size")
	}
	return plaintext[8:][:payloadLen], nil
}

func (s *Session) writeObject(obj ProtocolObject) error {
	return s.writeMessage(encoding.Marshal(obj))
}

func (s *Session) readObject(obj ProtocolObject, maxLen uint64) error {
	payload, err := s.readMessage(maxLen)
	if err != nil {
		return err
	}
	return encoding.Unmarshal(payload, obj)
}

// WriteRequest sends an encrypted RPC request, comprising an RPC ID and a
// request object.
func (s *Session) WriteRequest(rpcID Specifier, req ProtocolObject) (err error) {
	err = s.writeObject(rpcID)
	if err == nil && req != nil {
		err = s.writeObject(req)
	}
	return
}

// ReadID reads an RPC request ID. If the renter sends the session termination
// signal, ReadID returns ErrRenterClosed.
func (s *Session) ReadID() (rpcID Specifier, err error) {
	err = s.readObject(&rpcID, MinMessageSize)
	if err == nil && rpcID == loopExit {
		err = ErrRenterClosed
	}
	return
}

// ReadRequest reads an RPC request object.
func (s *Session) ReadRequest(req ProtocolObject, maxLen uint64) error {
	return s.readObject(req, maxLen)
}

// WriteResponse writes an RPC response object or error. Either resp or err must
// be nil. If err is an *RPCError, it is sent directly; otherwise, a generic
// RPCError is created from err's Error string.
func (s *Session) WriteResponse(resp ProtocolObject, err error) error {
	if err != nil {
		var re *RPCError
		if !errors.As(err, &re) {
			re = &RPCError{Type: ErrTypeInternal, Description: err.Error()}
		}
		return s.writeMessage(append([]byte{1}, encoding.Marshal(re)...))
	} else if resp == nil {
		return s.writeMessage([]byte{0})
	}
	return s.writeMessage(append([]byte{0}, encoding.Marshal(resp)...))
}

// ReadResponse reads an RPC response. If the response is an error, it is
// returned directly.
func (s *Session) ReadResponse(resp ProtocolObject, maxLen uint64) error {
	payload, err := s.readMessage(maxLen)
	if err != nil {
		return err
	} else if len(payload) == 0 {
		return errors.New("empty response")
	}
	if payload[0] == 1 {
		re := new(RPCError)
		if err := encoding.Unmarshal(payload[1:], re); err != nil {
			return errors.Wrap(err, "could not decode RPC error")
		}
		return re
	} else if resp == nil {
		return nil
	}
	return encoding.Unmarshal(payload[1:], resp)
}

// Close gracefully terminates the RPC loop and closes the connection.
func (s *Session) Close() error {
	if s.isRenter {
		s.WriteRequest(loopExit, nil)
	}
	return s.conn.Close()
}

func hashKeys(k1, k2 [32]byte) crypto.Hash {
	return blake2b.Sum256(append(append(make([]byte, 0, len(k1)+len(k2)), k1[:]...), k2[:]...))
}

// NewHostSession conducts the provider's half of the handshake, returning a
// Session that can be used to handle RPC requests. The renter's identity is
// available via the Peer method; its signature over the session challenge has
// already been checked.
func NewHostSession(conn io.ReadWriteCloser, hs HashSigner) (*Session, error) {
	var req loopKeyExchangeRequest
	if err := encoding.ReadObject(conn, &req, MinMessageSize); err != nil {
		return nil, err
	}

	var supportsChaCha bool
	for _, c := range req.Ciphers {
		if c == cipherChaCha20Poly1305 {
			supportsChaCha = true
		}
	}
	if !supportsChaCha {
		encoding.WriteObject(conn, &loopKeyExchangeResponse{Cipher: cipherNoOverlap})
		return nil, errors.New("no supported ciphers")
	}

	xsk, xpk := crypto.GenerateX25519KeyPair()
	resp := loopKeyExchangeResponse{
		Cipher:    cipherChaCha20Poly1305,
		PublicKey: xpk,
		Signature: hs.SignHash(hashKeys(req.PublicKey, xpk)),
	}
	if err := encoding.WriteObject(conn, &resp); err != nil {
		return nil, err
	}

	cipherKey := crypto.DeriveSharedSecret(xsk, req.PublicKey)
	aead, _ := chacha20poly1305.New(cipherKey[:]) // no error possible
	s := &Session{
		conn:     conn,
		aead:     aead,
		isRenter: false,
	}
	frand.Read(s.challenge[:])
	if err := s.writeObject(s.challenge); err != nil {
		return nil, err
	}

	var id loopIdentify
	if err := s.readObject(&id, MinMessageSize); err != nil {
		return nil, err
	}
	if !s.VerifyChallenge(id.Signature, id.Identity) {
		return nil, errors.New("renter's challenge signature was invalid")
	}
	s.peer = Peer{
		Identity:  id.Identity,
		Protocol:  id.Protocol,
		UserAgent: id.UserAgent,
	}
	return s, nil
}

// NewRenterSession conducts the renter's half of the handshake, returning a
// Session that can be used to make RPC requests. The renter proves ownership
// of key by signing the challenge chosen by the provider.
//
// Note that hostdb.HostPublicKey implements the HashVerifier interface.
func NewRenterSession(conn io.ReadWriteCloser, hv HashVerifier, key PeerKey, userAgent string) (*Session, error) {
	return NewRenterSessionProtocol(conn, hv, key, userAgent, ProtocolVersion)
}

// NewRenterSessionProtocol is like NewRenterSession, but identifies the renter
// as speaking the given protocol version.
func NewRenterSessionProtocol(conn io.ReadWriteCloser, hv HashVerifier, key PeerKey, userAgent, protocol string) (*Session, error) {
	xsk, xpk := crypto.GenerateX25519KeyPair()
	req := &loopKeyExchangeRequest{
		PublicKey: xpk,
		Ciphers:   []Specifier{cipherChaCha20Poly1305},
	}
	if err := encoding.WriteObject(conn, req); err != nil {
		return nil, err
	}
	var resp loopKeyExchangeResponse
	if err := encoding.ReadObject(conn, &resp, MinMessageSize); err != nil {
		return nil, err
	}
	// validate the signature before doing anything else
	if !hv.VerifyHash(hashKeys(req.PublicKey, resp.PublicKey), resp.Signature) {
		return nil, errors.New("host's handshake signature was invalid")
	}
	if resp.Cipher == cipherNoOverlap {
		return nil, errors.New("host does not support any of our proposed ciphers")
	} else if resp.Cipher != cipherChaCha20Poly1305 {
		return nil, errors.New("host selected unsupported cipher")
	}

	cipherKey := crypto.DeriveSharedSecret(xsk, resp.PublicKey)
	aead, _ := chacha20poly1305.New(cipherKey[:]) // no error possible
	s := &Session{
		conn:     conn,
		aead:     aead,
		isRenter: true,
	}
	if err := s.readObject(&s.challenge, MinMessageSize); err != nil {
		return nil, err
	}
	id := loopIdentify{
		Identity:  key.HostKey(),
		Protocol:  protocol,
		UserAgent: userAgent,
		Signature: s.SignChallenge(key),
	}
	if err := s.writeObject(id); err != nil {
		return nil, err
	}
	return s, nil
}

// Handshake objects
type (
	loopKeyExchangeRequest struct {
		PublicKey crypto.X25519PublicKey
		Ciphers   []Specifier
	}

	loopKeyExchangeResponse struct {
		PublicKey crypto.X25519PublicKey
		Signature []byte
		Cipher    Specifier
	}

	loopIdentify struct {
		Identity  hostdb.HostPublicKey
		Protocol  string
		UserAgent string
		Signature []byte
	}
)

// A Specifier is a generic identification tag.
type Specifier [16]byte

func (s Specifier) String() string {
	return string(bytes.Trim(s[:], string(rune(0))))
}

func newSpecifier(str string) Specifier {
	if len(str) > 16 {
		panic("specifier is too long")
	}
	var s Specifier
	copy(s[:], str)
	return s
}

// Handshake specifiers
var (
	loopExit = newSpecifier("LoopExit")
)

// ErrRenterClosed is returned by (*Session).ReadID when the renter sends the
// session termination signal.
var ErrRenterClosed = errors.New("renter has terminated session")

// RPC ciphers
var (
	cipherChaCha20Poly1305 = newSpecifier("ChaCha20Poly1305")
	cipherNoOverlap        = newSpecifier("NoOverlap")
)
