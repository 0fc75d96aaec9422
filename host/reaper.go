package host

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// A Reaper deletes expired contracts and the shards they cover.
type Reaper struct {
	rules    *Rules
	interval time.Duration
	log      *zap.Logger
}

// Reap deletes every contract that has expired as of now, returning the
// number deleted.
func (rp *Reaper) Reap(now time.Time) (int, error) {
	contracts, err := rp.rules.contracts.Contracts()
	if err != nil {
		return 0, errors.Wrap(err, "could not load contracts")
	}
	var n int
	for _, c := range contracts {
		if !c.Expired(now) {
			continue
		}
		if !rp.rules.lockShard(c.ShardHash) {
			continue
		}
		// re-read under lock; the contract may have been replaced
		cur, err := rp.rules.contracts.Contract(c.ShardHash)
		if err == nil && cur.Expired(now) {
			if err = rp.rules.shards.Delete(c.ShardHash); err == nil {
				err = rp.rules.contracts.DeleteContract(c.ShardHash)
			}
			if err == nil {
				n++
				rp.log.Info("reaped expired contract", zap.Stringer("hash", c.ShardHash),
					zap.String("owner", c.OwnerIdentity.ShortKey()))
			}
		}
		rp.rules.unlockShard(c.ShardHash)
		if err != nil && !errors.Is(err, ErrContractNotFound) {
			return n, errors.Wrapf(err, "could not reap %v", c.ShardHash)
		}
	}
	return n, nil
}

// Run reaps expired contracts every interval until ctx is canceled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := rp.Reap(now); err != nil {
				rp.log.Warn("reap failed", zap.Error(err))
			}
		}
	}
}

// NewReaper returns a Reaper for the contracts managed by rules.
func NewReaper(rules *Rules, interval time.Duration, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{
		rules:    rules,
		interval: interval,
		log:      log,
	}
}
