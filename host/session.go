package host

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"lukechampine.com/farm/renterhost"
)

// maxRequestSize bounds the size of RPC requests. The largest requests carry
// a contract with its audit leaves, or a batch of audit challenges.
const maxRequestSize = 1 << 20

type session struct {
	sess *renterhost.Session
	conn net.Conn
	peer renterhost.Peer
}

func (s *session) extendDeadline(d time.Duration) { _ = s.conn.SetDeadline(time.Now().Add(d)) }
func (s *session) clearDeadline()                 { _ = s.conn.SetDeadline(time.Time{}) }

func (s *session) readRequest(req renterhost.ProtocolObject, timeout time.Duration) error {
	s.extendDeadline(timeout)
	defer s.clearDeadline()
	return s.sess.ReadRequest(req, maxRequestSize)
}

func (s *session) writeResponse(resp renterhost.ProtocolObject, timeout time.Duration) error {
	s.extendDeadline(timeout)
	defer s.clearDeadline()
	return s.sess.WriteResponse(resp, nil)
}

func (s *session) writeError(err error, timeout time.Duration) error {
	s.extendDeadline(timeout)
	defer s.clearDeadline()
	s.sess.WriteResponse(nil, err)
	return err
}

// A SessionHandler serves protocol sessions, dispatching each RPC to the
// corresponding method of Rules.
type SessionHandler struct {
	rules *Rules
	cfg   Config
	log   *zap.Logger
	rpcs  map[renterhost.Specifier]func(*session) error
}

// Serve conducts the handshake on conn and handles RPCs until the renter
// closes the session.
func (sh *SessionHandler) Serve(conn net.Conn) (err error) {
	defer conn.Close()
	s := &session{conn: conn}
	s.extendDeadline(sh.cfg.RPCTimeout)
	s.sess, err = renterhost.NewHostSession(conn, sh.rules.key)
	if err != nil {
		return errors.Wrap(err, "handshake failed")
	}
	s.peer = s.sess.Peer()
	log := sh.log.With(zap.String("peer", s.peer.Identity.ShortKey()), zap.String("agent", s.peer.UserAgent))
	for {
		s.extendDeadline(sh.cfg.RPCTimeout * 4)
		id, err := s.sess.ReadID()
		if errors.Is(err, renterhost.ErrRenterClosed) {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "could not read RPC ID")
		}
		rpcFn, ok := sh.rpcs[id]
		if !ok {
			return s.writeError(errors.Errorf("invalid or unknown RPC %q", id.String()), sh.cfg.RPCTimeout)
		}
		// the request body is never read, so the session cannot continue
		if err := sh.rules.Validate(s.peer); err != nil {
			log.Debug("rejected peer", zap.Stringer("rpc", id), zap.Error(err))
			s.writeError(err, sh.cfg.RPCTimeout)
			return nil
		}
		if err := rpcFn(s); err != nil {
			if isRPCError(err) {
				// the error was reported to the renter; the session survives
				log.Debug("rejected RPC", zap.Stringer("rpc", id), zap.Error(err))
				continue
			}
			log.Warn("RPC failed", zap.Stringer("rpc", id), zap.Error(err))
			return errors.Wrapf(err, "RPC %q failed", id.String())
		}
	}
}

func isRPCError(err error) bool {
	var re *renterhost.RPCError
	return errors.As(err, &re)
}

// respond writes either resp or err. Errors that are not RPC errors are
// logged and reported to the renter as internal errors.
func (sh *SessionHandler) respond(s *session, resp renterhost.ProtocolObject, err error) error {
	if err != nil {
		if !isRPCError(err) {
			sh.log.Error("internal error", zap.Error(err))
			err = renterhost.NewRPCError(renterhost.ErrTypeInternal, "internal error")
		}
		return s.writeError(err, sh.cfg.RPCTimeout)
	}
	return s.writeResponse(resp, sh.cfg.RPCTimeout)
}

func (sh *SessionHandler) rpcClaim(s *session) error {
	var req renterhost.RPCClaimRequest
	if err := s.readRequest(&req, sh.cfg.RPCTimeout); err != nil {
		return err
	}
	c, token, err := sh.rules.Claim(s.peer, req.Contract)
	return sh.respond(s, &renterhost.RPCClaimResponse{Contract: c, Token: token}, err)
}

func (sh *SessionHandler) rpcConsign(s *session) error {
	var req renterhost.RPCTokenRequest
	if err := s.readRequest(&req, sh.cfg.RPCTimeout); err != nil {
		return err
	}
	token, err := sh.rules.Consign(s.peer, req.ShardHash)
	return sh.respond(s, &renterhost.RPCTokenResponse{Token: token}, err)
}

func (sh *SessionHandler) rpcRetrieve(s *session) error {
	var req renterhost.RPCTokenRequest
	if err := s.readRequest(&req, sh.cfg.RPCTimeout); err != nil {
		return err
	}
	token, err := sh.rules.Retrieve(s.peer, req.ShardHash)
	return sh.respond(s, &renterhost.RPCTokenResponse{Token: token}, err)
}

func (sh *SessionHandler) rpcAudit(s *session) error {
	var req renterhost.RPCAuditRequest
	if err := s.readRequest(&req, sh.cfg.RPCTimeout); err != nil {
		return err
	}
	proofs := sh.rules.Audit(s.peer, req.Challenges)
	return sh.respond(s, &renterhost.RPCAuditResponse{Proofs: proofs}, nil)
}

func (sh *SessionHandler) rpcRenew(s *session) error {
	var req renterhost.RPCRenewRequest
	if err := s.readRequest(&req, sh.cfg.RPCTimeout); err != nil {
		return err
	}
	c, err := sh.rules.Renew(s.peer, req.Contract)
	return sh.respond(s, &renterhost.RPCRenewResponse{Contract: c}, err)
}

func (sh *SessionHandler) rpcCapacity(s *session) error {
	a, err := sh.rules.Capacity()
	return sh.respond(s, &renterhost.RPCCapacityResponse{Announcement: a}, err)
}

// Listen serves sessions on l until it is closed.
func (sh *SessionHandler) Listen(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := sh.Serve(conn); err != nil {
				sh.log.Debug("session ended", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

// NewSessionHandler returns a SessionHandler that dispatches to rules.
func NewSessionHandler(rules *Rules, cfg Config, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	sh := &SessionHandler{
		rules: rules,
		cfg:   cfg,
		log:   log,
	}
	sh.rpcs = map[renterhost.Specifier]func(*session) error{
		renterhost.RPCAuditID:    sh.rpcAudit,
		renterhost.RPCCapacityID: sh.rpcCapacity,
		renterhost.RPCClaimID:    sh.rpcClaim,
		renterhost.RPCConsignID:  sh.rpcConsign,
		renterhost.RPCRenewID:    sh.rpcRenew,
		renterhost.RPCRetrieveID: sh.rpcRetrieve,
	}
	return sh
}
