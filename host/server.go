package host

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"go.uber.org/zap"
	"lukechampine.com/farm/renterhost"
)

// A ShardServer transfers shard data over HTTP. Every transfer must present a
// token previously issued by the RPC handlers.
type ShardServer struct {
	rules     *Rules
	contracts ContractStore
	shards    ShardStore
	tokens    *TokenRegistry
	log       *zap.Logger
	srv       *http.Server
}

func parseShardRequest(req *http.Request, ps httprouter.Params) (crypto.Hash, renterhost.Token, error) {
	var hash crypto.Hash
	if err := hash.LoadString(ps.ByName("hash")); err != nil {
		return crypto.Hash{}, renterhost.Token{}, errors.Wrap(err, "invalid shard hash")
	}
	token, err := renterhost.ParseToken(req.URL.Query().Get("token"))
	if err != nil {
		return crypto.Hash{}, renterhost.Token{}, errors.Wrap(err, "invalid token")
	}
	return hash, token, nil
}

func (s *ShardServer) handlerUpload(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	hash, token, err := parseShardRequest(req, ps)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	peer, err := s.tokens.Redeem(token, hash, TokenConsign)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	contract, err := s.contracts.Contract(hash)
	if errors.Is(err, ErrContractNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		s.log.Error("could not load contract", zap.Stringer("hash", hash), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.shards.Exists(hash) {
		// shards are written once; the stored copy already matches hash
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sw, err := s.shards.Create(hash, contract.ShardSize)
	if errors.Is(err, ErrInsufficientCapacity) {
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	} else if errors.Is(err, ErrShardExists) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	} else if err != nil {
		s.log.Error("could not create shard", zap.Stringer("hash", hash), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer sw.Close()
	body := http.MaxBytesReader(w, req.Body, int64(contract.ShardSize))
	if _, err := io.Copy(sw, body); err != nil {
		http.Error(w, "could not read shard: "+err.Error(), http.StatusBadRequest)
		return
	} else if err := sw.Commit(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.rules.recordAccess(hash)
	s.log.Info("stored shard", zap.Stringer("hash", hash), zap.String("peer", peer.ShortKey()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *ShardServer) handlerDownload(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	hash, token, err := parseShardRequest(req, ps)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	peer, err := s.tokens.Redeem(token, hash, TokenRetrieve)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if _, err := s.contracts.Contract(hash); errors.Is(err, ErrContractNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		s.log.Error("could not load contract", zap.Stringer("hash", hash), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	shard, err := s.shards.Open(hash)
	if errors.Is(err, ErrShardNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		s.log.Error("could not open shard", zap.Stringer("hash", hash), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer shard.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, shard); err != nil {
		s.log.Debug("shard download interrupted", zap.Stringer("hash", hash), zap.Error(err))
		return
	}
	s.rules.recordAccess(hash)
	s.log.Debug("served shard", zap.Stringer("hash", hash), zap.String("peer", peer.ShortKey()))
}

// Handler returns the HTTP handler for the server's routes.
func (s *ShardServer) Handler() http.Handler {
	mux := httprouter.New()
	mux.PUT("/shards/:hash", s.handlerUpload)
	mux.GET("/shards/:hash", s.handlerDownload)
	return mux
}

// Serve serves shard transfers on l until the server is closed.
func (s *ShardServer) Serve(l net.Listener) error {
	err := s.srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close closes the server's listeners and any open connections.
func (s *ShardServer) Close() error {
	return s.srv.Close()
}

// NewShardServer returns a ShardServer that redeems tokens issued by rules.
func NewShardServer(rules *Rules, log *zap.Logger) *ShardServer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &ShardServer{
		rules:     rules,
		contracts: rules.contracts,
		shards:    rules.shards,
		tokens:    rules.tokens,
		log:       log,
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}
