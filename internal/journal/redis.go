package journal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisPageSize = 256

// appendScript checks the head counter and appends in one step. It
// returns the new sequence number, or minus the expected one on conflict.
var appendScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local seq = tonumber(ARGV[1])
if seq ~= last + 1 then
  return -(last + 1)
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('XADD', KEYS[2], ARGV[1] .. '-0', 'manifest', ARGV[2], 'payload', ARGV[3], 'at', ARGV[4])
redis.call('SADD', KEYS[3], ARGV[5])
return seq
`)

// Redis stores each aggregate's journal in a stream whose entry ids are
// "<seq>-0", so range reads and trimming work on sequence numbers directly.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("connecting to redis")
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedis(rdb, prefix), nil
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "reminders:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) headKey(id string) string     { return r.prefix + "head:" + id }
func (r *Redis) streamKey(id string) string   { return r.prefix + "journal:" + id }
func (r *Redis) snapshotKey(id string) string { return r.prefix + "snapshot:" + id }
func (r *Redis) indexKey() string             { return r.prefix + "aggregates" }

func (r *Redis) Append(ctx context.Context, aggregateID string, rec Record) error {
	keys := []string{r.headKey(aggregateID), r.streamKey(aggregateID), r.indexKey()}
	n, err := appendScript.Run(ctx, r.rdb, keys,
		rec.Seq, rec.Manifest, rec.Payload, stamp(rec.At).UnixNano(), aggregateID).Int64()
	if err != nil {
		return fmt.Errorf("append %s/%d: %w", aggregateID, rec.Seq, err)
	}
	if n < 0 {
		return seqConflict(aggregateID, uint64(-n), rec.Seq)
	}
	return nil
}

func (r *Redis) ReadFrom(ctx context.Context, aggregateID string, fromSeq uint64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		start := streamID(fromSeq)
		for {
			msgs, err := r.rdb.XRangeN(ctx, r.streamKey(aggregateID), start, "+", redisPageSize).Result()
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, m := range msgs {
				rec, err := recordFromStream(m)
				if err != nil {
					yield(Record{}, err)
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(msgs) < redisPageSize {
				return
			}
			start = "(" + msgs[len(msgs)-1].ID
		}
	}
}

func (r *Redis) DeleteTo(ctx context.Context, aggregateID string, toSeq uint64) error {
	return r.rdb.XTrimMinID(ctx, r.streamKey(aggregateID), streamID(toSeq+1)).Err()
}

func (r *Redis) SaveSnapshot(ctx context.Context, aggregateID string, s Snapshot) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.snapshotKey(aggregateID), map[string]any{
			"seq":      s.Seq,
			"manifest": s.Manifest,
			"payload":  s.Payload,
			"at":       stamp(s.At).UnixNano(),
		})
		p.SAdd(ctx, r.indexKey(), aggregateID)
		return nil
	})
	return err
}

func (r *Redis) LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, bool, error) {
	h, err := r.rdb.HGetAll(ctx, r.snapshotKey(aggregateID)).Result()
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(h) == 0 {
		return Snapshot{}, false, nil
	}
	seq, err := strconv.ParseUint(h["seq"], 10, 64)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot %s seq: %w", aggregateID, err)
	}
	at, _ := strconv.ParseInt(h["at"], 10, 64)
	return Snapshot{
		Seq:      seq,
		Manifest: h["manifest"],
		Payload:  []byte(h["payload"]),
		At:       time.Unix(0, at).UTC(),
	}, true, nil
}

func (r *Redis) Aggregates(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func streamID(seq uint64) string { return strconv.FormatUint(seq, 10) + "-0" }

func recordFromStream(m redis.XMessage) (Record, error) {
	var rec Record
	idPart, _, _ := strings.Cut(m.ID, "-")
	seq, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return rec, fmt.Errorf("stream id %q: %w", m.ID, err)
	}
	rec.Seq = seq
	manifest, ok := m.Values["manifest"].(string)
	if !ok {
		return rec, errors.New("stream entry " + m.ID + " has no manifest")
	}
	rec.Manifest = manifest
	payload, _ := m.Values["payload"].(string)
	rec.Payload = []byte(payload)
	if at, ok := m.Values["at"].(string); ok {
		ns, _ := strconv.ParseInt(at, 10, 64)
		rec.At = time.Unix(0, ns).UTC()
	}
	return rec, nil
}
