package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/redis/go-redis/v9"
)

// SessionStore keeps all in-flight session state in Redis so every server process sees the same data.
// Layout:
//
//	session:{code}                            JSON session record
//	session:participants:{code}               hash userId -> JSON participant
//	session:answers:{code}:{qid}[:attempt]    hash userId -> JSON answer
//	session:leaderboard:{code}                sorted set userId -> score
//	session:connections:{code}                hash connectionId -> userId
//	session:users:{code}                      hash userId -> connectionId
//
// Every write refreshes the TTL of the key it touches.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// bindScript maps connection <-> user and returns the connection that owned the user before.
var bindScript = redis.NewScript(`
local previous = redis.call('HGET', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
end
if not previous or previous == ARGV[1] then
  return ''
end
return previous
`)

// unbindScript drops a connection and hands the user over to another of its live connections.
var unbindScript = redis.NewScript(`
local user = redis.call('HGET', KEYS[1], ARGV[1])
if not user then
  return {'', ''}
end
redis.call('HDEL', KEYS[1], ARGV[1])
local owner = redis.call('HGET', KEYS[2], user)
if owner and owner ~= ARGV[1] then
  return {user, owner}
end
local conns = redis.call('HGETALL', KEYS[1])
local remaining = ''
for i = 1, #conns, 2 do
  if conns[i + 1] == user and (remaining == '' or conns[i] < remaining) then
    remaining = conns[i]
  end
end
if remaining == '' then
  redis.call('HDEL', KEYS[2], user)
else
  redis.call('HSET', KEYS[2], user, remaining)
end
return {user, remaining}
`)

func (s *SessionStore) LoadSession(ctx context.Context, accessCode string) (domain.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(accessCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, domain.StoreError("load session", err)
	}
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.Session{}, domain.StoreError("decode session", err)
	}
	return session, nil
}

func (s *SessionStore) SaveSession(ctx context.Context, session domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return domain.StoreError("encode session", err)
	}
	if err := s.client.Set(ctx, sessionKey(session.AccessCode), raw, s.ttl).Err(); err != nil {
		return domain.StoreError("save session", err)
	}
	return nil
}

func (s *SessionStore) GetParticipant(ctx context.Context, accessCode, userID string) (domain.Participant, error) {
	raw, err := s.client.HGet(ctx, participantsKey(accessCode), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, domain.StoreError("get participant", err)
	}
	var p domain.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Participant{}, domain.StoreError("decode participant", err)
	}
	return p, nil
}

func (s *SessionStore) SaveParticipant(ctx context.Context, accessCode string, participant domain.Participant) error {
	raw, err := json.Marshal(participant)
	if err != nil {
		return domain.StoreError("encode participant", err)
	}
	return s.hset(ctx, "save participant", participantsKey(accessCode), participant.UserID, raw)
}

func (s *SessionStore) RemoveParticipant(ctx context.Context, accessCode, userID string) error {
	if err := s.client.HDel(ctx, participantsKey(accessCode), userID).Err(); err != nil {
		return domain.StoreError("remove participant", err)
	}
	return nil
}

func (s *SessionStore) ListParticipants(ctx context.Context, accessCode string) ([]domain.Participant, error) {
	values, err := s.client.HGetAll(ctx, participantsKey(accessCode)).Result()
	if err != nil {
		return nil, domain.StoreError("list participants", err)
	}
	out := make([]domain.Participant, 0, len(values))
	for _, raw := range values {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, domain.StoreError("decode participant", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// SaveAnswer keeps one answer per user and question; a resubmission overwrites.
func (s *SessionStore) SaveAnswer(ctx context.Context, key domain.AnswerKey, answer domain.Answer) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return domain.StoreError("encode answer", err)
	}
	return s.hset(ctx, "save answer", answersKey(key), answer.UserID, raw)
}

func (s *SessionStore) ListAnswers(ctx context.Context, key domain.AnswerKey) ([]domain.Answer, error) {
	values, err := s.client.HGetAll(ctx, answersKey(key)).Result()
	if err != nil {
		return nil, domain.StoreError("list answers", err)
	}
	out := make([]domain.Answer, 0, len(values))
	for _, raw := range values {
		var a domain.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, domain.StoreError("decode answer", err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *SessionStore) ResetAnswers(ctx context.Context, key domain.AnswerKey) error {
	if err := s.client.Del(ctx, answersKey(key)).Err(); err != nil {
		return domain.StoreError("reset answers", err)
	}
	return nil
}

func (s *SessionStore) SetScore(ctx context.Context, accessCode, userID string, score int) error {
	key := leaderboardKey(accessCode)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: userID})
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return domain.StoreError("set score", err)
	}
	return nil
}

func (s *SessionStore) AddScore(ctx context.Context, accessCode, userID string, delta int) (int, error) {
	key := leaderboardKey(accessCode)
	var total *redis.FloatCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		total = pipe.ZIncrBy(ctx, key, float64(delta), userID)
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, domain.StoreError("add score", err)
	}
	return int(total.Val()), nil
}

func (s *SessionStore) RemoveScore(ctx context.Context, accessCode, userID string) error {
	if err := s.client.ZRem(ctx, leaderboardKey(accessCode), userID).Err(); err != nil {
		return domain.StoreError("remove score", err)
	}
	return nil
}

// Scores returns the score set ordered by score desc.
func (s *SessionStore) Scores(ctx context.Context, accessCode string) ([]domain.ScoreEntry, error) {
	members, err := s.client.ZRevRangeWithScores(ctx, leaderboardKey(accessCode), 0, -1).Result()
	if err != nil {
		return nil, domain.StoreError("load scores", err)
	}
	out := make([]domain.ScoreEntry, 0, len(members))
	for _, m := range members {
		userID, _ := m.Member.(string)
		out = append(out, domain.ScoreEntry{UserID: userID, Score: int(m.Score)})
	}
	return out, nil
}

func (s *SessionStore) BindConnection(ctx context.Context, accessCode, connectionID, userID string) (string, error) {
	keys := []string{connectionsKey(accessCode), usersKey(accessCode)}
	previous, err := bindScript.Run(ctx, s.client, keys, connectionID, userID, s.ttl.Milliseconds()).Text()
	if err != nil {
		return "", domain.StoreError("bind connection", err)
	}
	return previous, nil
}

func (s *SessionStore) UnbindConnection(ctx context.Context, accessCode, connectionID string) (string, string, error) {
	keys := []string{connectionsKey(accessCode), usersKey(accessCode)}
	values, err := unbindScript.Run(ctx, s.client, keys, connectionID).StringSlice()
	if err != nil {
		return "", "", domain.StoreError("unbind connection", err)
	}
	if len(values) != 2 {
		return "", "", domain.StoreError("unbind connection", errors.New("unexpected script reply"))
	}
	return values[0], values[1], nil
}

func (s *SessionStore) hset(ctx context.Context, op, key, field string, value []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, value)
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return domain.StoreError(op, err)
	}
	return nil
}

func sessionKey(code string) string      { return "session:" + code }
func participantsKey(code string) string { return "session:participants:" + code }
func leaderboardKey(code string) string  { return "session:leaderboard:" + code }
func connectionsKey(code string) string  { return "session:connections:" + code }
func usersKey(code string) string        { return "session:users:" + code }

func answersKey(key domain.AnswerKey) string { return "session:answers:" + key.String() }
