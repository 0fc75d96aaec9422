package host

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/renterhost"
)

// A TokenKind distinguishes upload tokens from download tokens.
type TokenKind int

// Token kinds.
const (
	TokenConsign TokenKind = iota
	TokenRetrieve
)

func (k TokenKind) String() string {
	if k == TokenConsign {
		return "consign"
	}
	return "retrieve"
}

type tokenGrant struct {
	hash crypto.Hash
	peer hostdb.HostPublicKey
	kind TokenKind
}

// A TokenRegistry is the accept-list shared by the RPC handlers, which mint
// tokens, and the shard server, which redeems them. Tokens expire after a
// fixed TTL and can be redeemed once.
type TokenRegistry struct {
	mu     sync.Mutex
	tokens *cache.Cache
}

// Issue mints a token authorizing peer to perform one transfer of kind on the
// shard with the given hash.
func (tr *TokenRegistry) Issue(hash crypto.Hash, peer hostdb.HostPublicKey, kind TokenKind) renterhost.Token {
	t := renterhost.NewToken()
	tr.tokens.SetDefault(t.String(), tokenGrant{hash, peer, kind})
	return t
}

// Redeem consumes t, returning the peer it was issued to. It returns
// ErrInvalidToken if t is unknown, expired, or was issued for a different
// shard or transfer kind; a mismatched token is not consumed.
func (tr *TokenRegistry) Redeem(t renterhost.Token, hash crypto.Hash, kind TokenKind) (hostdb.HostPublicKey, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	v, ok := tr.tokens.Get(t.String())
	if !ok {
		return "", ErrInvalidToken
	}
	g := v.(tokenGrant)
	if g.hash != hash || g.kind != kind {
		return "", ErrInvalidToken
	}
	tr.tokens.Delete(t.String())
	return g.peer, nil
}

// Len returns the number of outstanding tokens.
func (tr *TokenRegistry) Len() int {
	return tr.tokens.ItemCount()
}

// NewTokenRegistry returns a TokenRegistry whose tokens expire after ttl.
func NewTokenRegistry(ttl time.Duration) *TokenRegistry {
	return &TokenRegistry{
		tokens: cache.New(ttl, ttl),
	}
}
