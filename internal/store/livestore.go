// Package store implements the LiveStore: the Redis-backed KV layer
// holding every in-flight game, player presence, matchmaking queues,
// search sessions and the cross-node claim locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

const (
	// opTimeout bounds every LiveStore operation.
	opTimeout = 2 * time.Second

	// LiveGameTTL evicts abandoned games.
	LiveGameTTL = 7200 * time.Second
	// SessionTTL bounds orphaned search sessions.
	SessionTTL = 300 * time.Second
	// MatchLockTTL bounds the pair-formation critical section.
	MatchLockTTL = 5 * time.Second
	// SweepLockTTL bounds one cluster-wide sweep pass.
	SweepLockTTL = 60 * time.Second
)

func gameKey(gameID string) string      { return "game:" + gameID }
func presenceKey(playerID string) string { return "player:" + playerID }
func sessionKey(playerID string) string { return "search_session:" + playerID }
func queueKey(gt models.GameType) string {
	return "match-making-queue:" + string(gt)
}

// MatchLockKey orders the pair so both nodes compute the same key.
func MatchLockKey(a, b string) string {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return "match_lock:" + lo + ":" + hi
}

type LiveStore struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewLiveStore(rdb *redis.Client, log *zap.Logger) *LiveStore {
	return &LiveStore{rdb: rdb, log: log}
}

// Ping verifies connectivity at startup.
func (s *LiveStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

// --- live games ---

// SaveGame writes the full game hash and refreshes its TTL.
func (s *LiveStore) SaveGame(ctx context.Context, g *models.LiveGame) error {
	fields, err := g.EncodeHash()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInternal, err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, gameKey(g.GameID), fields)
	pipe.Expire(ctx, gameKey(g.GameID), LiveGameTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: save game %s: %v", errs.ErrStoreUnavailable, g.GameID, err)
	}
	return nil
}

// LoadGame reads a game hash. Missing games map to ErrNotFound.
func (s *LiveStore) LoadGame(ctx context.Context, gameID string) (*models.LiveGame, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, gameKey(gameID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load game %s: %v", errs.ErrStoreUnavailable, gameID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: game %s", errs.ErrNotFound, gameID)
	}
	g, err := models.DecodeLiveGame(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInternal, err)
	}
	return g, nil
}

// DeleteGame removes a live game outright.
func (s *LiveStore) DeleteGame(ctx context.Context, gameID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Del(ctx, gameKey(gameID)).Err(); err != nil {
		return fmt.Errorf("%w: delete game %s: %v", errs.ErrStoreUnavailable, gameID, err)
	}
	return nil
}

// finalizeScript flips gameOver false->true and stamps the result in
// the same atomic step. Returns 1 only to the caller that wins the
// flip; every other finalization attempt observes 0.
var finalizeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'gameOver') == 'true' then
  return 0
end
redis.call('HSET', KEYS[1],
  'gameOver', 'true',
  'winner', ARGV[1],
  'result', ARGV[2],
  'endReason', ARGV[3],
  'endedAt', ARGV[4])
return 1
`)

// FinalizeGame attempts the atomic end-of-game transition. It returns
// true when this caller won the flip and therefore owns rating updates.
// A game already over returns (false, ErrFinalized); a missing game
// returns (false, ErrNotFound).
func (s *LiveStore) FinalizeGame(ctx context.Context, gameID string, winner models.PlayerColor, result models.Score, reason models.EndReason, endedAt int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := finalizeScript.Run(ctx, s.rdb,
		[]string{gameKey(gameID)},
		string(winner), string(result), string(reason), strconv.FormatInt(endedAt, 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: finalize game %s: %v", errs.ErrStoreUnavailable, gameID, err)
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, fmt.Errorf("%w: game %s", errs.ErrFinalized, gameID)
	default:
		return false, fmt.Errorf("%w: game %s", errs.ErrNotFound, gameID)
	}
}

// ScanGames streams every live game id to fn. Used by the finalization
// sweeper on restart; never on the move hot path.
func (s *LiveStore) ScanGames(ctx context.Context, fn func(gameID string) error) error {
	var cursor uint64
	for {
		sctx, cancel := context.WithTimeout(ctx, opTimeout)
		keys, next, err := s.rdb.Scan(sctx, cursor, "game:*", 100).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("%w: scan games: %v", errs.ErrStoreUnavailable, err)
		}
		for _, k := range keys {
			if err := fn(k[len("game:"):]); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// --- presence ---

func (s *LiveStore) SetPresence(ctx context.Context, p models.Presence) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := s.rdb.HSet(ctx, presenceKey(p.PlayerID), map[string]string{
		"playerId":          p.PlayerID,
		"wsId":              p.ConnectionID,
		"rating":            strconv.Itoa(p.Rating),
		"isPlayerConnected": strconv.FormatBool(p.Connected),
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: set presence %s: %v", errs.ErrStoreUnavailable, p.PlayerID, err)
	}
	return nil
}

func (s *LiveStore) GetPresence(ctx context.Context, playerID string) (models.Presence, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, presenceKey(playerID)).Result()
	if err != nil {
		return models.Presence{}, fmt.Errorf("%w: get presence %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	if len(fields) == 0 {
		return models.Presence{}, fmt.Errorf("%w: presence %s", errs.ErrNotFound, playerID)
	}
	rating, _ := strconv.Atoi(fields["rating"])
	connected, _ := strconv.ParseBool(fields["isPlayerConnected"])
	return models.Presence{
		PlayerID:     fields["playerId"],
		ConnectionID: fields["wsId"],
		Rating:       rating,
		Connected:    connected,
	}, nil
}

func (s *LiveStore) DeletePresence(ctx context.Context, playerID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Del(ctx, presenceKey(playerID)).Err(); err != nil {
		return fmt.Errorf("%w: delete presence %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	return nil
}

// --- matchmaking queues ---

// QueueMember is one entry of a per-game-type queue.
type QueueMember struct {
	PlayerID string
	Rating   int
}

func (s *LiveStore) QueueAdd(ctx context.Context, gt models.GameType, playerID string, rating int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := s.rdb.ZAdd(ctx, queueKey(gt), redis.Z{Score: float64(rating), Member: playerID}).Err()
	if err != nil {
		return fmt.Errorf("%w: queue add %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	return nil
}

func (s *LiveStore) QueueRemove(ctx context.Context, gt models.GameType, playerID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.rdb.ZRem(ctx, queueKey(gt), playerID).Err(); err != nil {
		return fmt.Errorf("%w: queue remove %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	return nil
}

// QueueRange returns members with rating in [min, max], rating order.
func (s *LiveStore) QueueRange(ctx context.Context, gt models.GameType, min, max int) ([]QueueMember, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, queueKey(gt), &redis.ZRangeBy{
		Min: strconv.Itoa(min),
		Max: strconv.Itoa(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: queue range: %v", errs.ErrStoreUnavailable, err)
	}

	members := make([]QueueMember, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		members = append(members, QueueMember{PlayerID: id, Rating: int(z.Score)})
	}
	return members, nil
}

// InQueue is the non-destructive availability check.
func (s *LiveStore) InQueue(ctx context.Context, gt models.GameType, playerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := s.rdb.ZScore(ctx, queueKey(gt), playerID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: queue lookup %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	return true, nil
}

// removePairScript removes both players only if both are still queued.
var removePairScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  return 0
end
if redis.call('ZSCORE', KEYS[1], ARGV[2]) == false then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// QueueRemovePair atomically removes both players from the queue,
// succeeding only if both were present. This is the destructive side
// of pair formation, run strictly under the match lock.
func (s *LiveStore) QueueRemovePair(ctx context.Context, gt models.GameType, a, b string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := removePairScript.Run(ctx, s.rdb, []string{queueKey(gt)}, a, b).Int()
	if err != nil {
		return false, fmt.Errorf("%w: remove pair: %v", errs.ErrStoreUnavailable, err)
	}
	return n == 1, nil
}

func (s *LiveStore) QueueSize(ctx context.Context, gt models.GameType) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := s.rdb.ZCard(ctx, queueKey(gt)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: queue size: %v", errs.ErrStoreUnavailable, err)
	}
	return n, nil
}

// --- search sessions ---

func (s *LiveStore) SaveSession(ctx context.Context, sess *models.SearchSession) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.rdb.Set(ctx, sessionKey(sess.PlayerID), mustJSON(sess), SessionTTL).Err(); err != nil {
		return fmt.Errorf("%w: save session %s: %v", errs.ErrStoreUnavailable, sess.PlayerID, err)
	}
	return nil
}

func (s *LiveStore) GetSession(ctx context.Context, playerID string) (*models.SearchSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, sessionKey(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: search session %s", errs.ErrNotFound, playerID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}

	var sess models.SearchSession
	if err := unmarshalJSON(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: decode session %s: %v", errs.ErrInternal, playerID, err)
	}
	return &sess, nil
}

func (s *LiveStore) DeleteSession(ctx context.Context, playerID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Del(ctx, sessionKey(playerID)).Err(); err != nil {
		return fmt.Errorf("%w: delete session %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	return nil
}

// --- claim locks ---

// AcquireMatchLock takes the pair lock via SET NX. Only the holder may
// mutate queue membership for this pair.
func (s *LiveStore) AcquireMatchLock(ctx context.Context, a, b string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := s.rdb.SetNX(ctx, MatchLockKey(a, b), "1", MatchLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire match lock: %v", errs.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// ReleaseMatchLock drops the pair lock. Errors are logged, not
// returned; the TTL reclaims a leaked lock within 5 s.
func (s *LiveStore) ReleaseMatchLock(ctx context.Context, a, b string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.rdb.Del(ctx, MatchLockKey(a, b)).Err(); err != nil {
		s.log.Warn("failed to release match lock",
			zap.String("key", MatchLockKey(a, b)), zap.Error(err))
	}
}

const sweepLockKey = "sweep_lock"

// AcquireSweepLock elects one node to run a finalization sweep. Held
// by value so only the owning node releases it.
func (s *LiveStore) AcquireSweepLock(ctx context.Context, owner string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := s.rdb.SetNX(ctx, sweepLockKey, owner, SweepLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire sweep lock: %v", errs.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// ReleaseSweepLock drops the sweep lock if owner still holds it.
func (s *LiveStore) ReleaseSweepLock(ctx context.Context, owner string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	held, err := s.rdb.Get(ctx, sweepLockKey).Result()
	if err != nil || held != owner {
		return
	}
	if err := s.rdb.Del(ctx, sweepLockKey).Err(); err != nil {
		s.log.Warn("failed to release sweep lock", zap.Error(err))
	}
}
