// Package discovery keeps a registry of live members in etcd. Each member
// stores its GMS address under <prefix>/nodes/<id>, bound to a lease that
// expires when the member stops refreshing it.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// Registry reads and writes member records under one key prefix.
type Registry struct {
	cli    *clientv3.Client
	prefix string
	log    *zap.Logger
}

func NewRegistry(cli *clientv3.Client, prefix string, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{cli: cli, prefix: strings.TrimSuffix(prefix, "/"), log: log.Named("discovery")}
}

// NodesPrefix is the key prefix holding all member records.
func (r *Registry) NodesPrefix() string { return NodesPrefix(r.prefix) }

func NodesPrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/nodes/"
}

func NodeKey(prefix, id string) string {
	return NodesPrefix(prefix) + id
}

// NodeID extracts the member id from a record key, or "" when key is not a
// member record under prefix.
func NodeID(prefix, key string) string {
	id, ok := strings.CutPrefix(key, NodesPrefix(prefix))
	if !ok || strings.Contains(id, "/") {
		return ""
	}
	return id
}

// Register publishes id -> addr with a lease of ttl seconds and keeps the
// lease alive until the returned cancel is called. cancel revokes the lease.
func (r *Registry) Register(ctx context.Context, id, addr string, ttl int64) (clientv3.LeaseID, func(), error) {
	lease, err := r.cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	key := NodeKey(r.prefix, id)
	if _, err := r.cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", key, err)
	}

	kaCtx, cancelKA := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancelKA()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	r.log.Info("registered", zap.String("key", key), zap.String("addr", addr), zap.Int64("ttl", ttl))

	cancel := func() {
		cancelKA()
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if _, err := r.cli.Revoke(ctx, lease.ID); err != nil {
			r.log.Warn("revoke lease", zap.Error(err))
		}
	}
	return lease.ID, cancel, nil
}

// Peers returns every registered member as id -> address.
func (r *Registry) Peers(ctx context.Context) (map[string]string, error) {
	resp, err := r.cli.Get(ctx, r.NodesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id := NodeID(r.prefix, string(kv.Key)); id != "" {
			peers[id] = string(kv.Value)
		}
	}
	return peers, nil
}

// Addresses returns the registered addresses in id order.
func Addresses(peers map[string]string) []string {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, peers[id])
	}
	return out
}

// WatchPeers calls fn with the full peer set at start and after every change
// until ctx is done.
func (r *Registry) WatchPeers(ctx context.Context, fn func(map[string]string)) error {
	peers, err := r.Peers(ctx)
	if err != nil {
		return err
	}
	fn(clonePeers(peers))

	wch := r.cli.Watch(ctx, r.NodesPrefix(), clientv3.WithPrefix())
	go func() {
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				r.log.Warn("watch error", zap.Error(err))
				continue
			}
			if applyEvents(r.prefix, peers, wresp.Events) {
				fn(clonePeers(peers))
			}
		}
	}()
	return nil
}

// applyEvents folds watch events into peers and reports whether anything
// changed.
func applyEvents(prefix string, peers map[string]string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id := NodeID(prefix, string(ev.Kv.Key))
		if id == "" {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

func clonePeers(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
