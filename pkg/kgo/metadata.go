package kgo

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/brokerkit/kcore/pkg/kmsg"
)

// metadataCache owns the Session's cluster topology snapshot: it refreshes
// on demand, coalesces concurrent fetches for overlapping topics into one
// in-flight MetadataRequest, and tracks which topics have been explicitly
// invalidated since the last refresh.
type metadataCache struct {
	session *Session

	mu      sync.Mutex
	current kmsg.ClusterMetadata
	stale   map[string]bool

	inflight *inflightFetch

	bootstrapIdx int
}

// inflightFetch is the single in-flight MetadataRequest that concurrent
// fetchTopics callers for overlapping topics coalesce onto, protecting
// against a thundering herd of redundant metadata requests.
type inflightFetch struct {
	done chan struct{}
	meta kmsg.ClusterMetadata
	err  error
}

func newMetadataCache(s *Session) *metadataCache {
	return &metadataCache{
		session: s,
		stale:   make(map[string]bool),
	}
}

// fetchTopics returns a snapshot containing at least the requested topics,
// refreshing from a bootstrap broker if the local cache is not fresh for
// that set.
func (m *metadataCache) fetchTopics(ctx context.Context, topics []string) (kmsg.ClusterMetadata, error) {
	m.mu.Lock()
	if m.isFresh(topics) {
		snap := m.current
		m.mu.Unlock()
		return snap, nil
	}

	if m.inflight != nil {
		inflight := m.inflight
		m.mu.Unlock()
		<-inflight.done
		if inflight.err == nil {
			for _, t := range topics {
				if _, ok := inflight.meta.Topics[t]; !ok {
					return m.fetchTopics(ctx, topics)
				}
			}
		}
		return inflight.meta, inflight.err
	}

	inflight := &inflightFetch{done: make(chan struct{})}
	m.inflight = inflight
	m.mu.Unlock()

	meta, err := m.refresh(ctx, topics)

	m.mu.Lock()
	if err == nil {
		m.current = meta
		for _, t := range topics {
			delete(m.stale, t)
		}
	}
	m.inflight = nil
	m.mu.Unlock()

	inflight.meta, inflight.err = meta, err
	close(inflight.done)
	return meta, err
}

// isFresh implements the freshness policy: populated within the TTL, no
// requested topic marked stale, every requested topic present with
// errorCode 0, and every referenced partition has a leader. Must be
// called with m.mu held.
func (m *metadataCache) isFresh(topics []string) bool {
	if m.current.Brokers == nil {
		return false
	}
	if time.Since(m.current.FetchedAt) > m.session.cfg.metadataTTL {
		return false
	}
	for _, t := range topics {
		if m.stale[t] {
			return false
		}
		tm, ok := m.current.Topics[t]
		if !ok || tm.ErrorCode != 0 {
			return false
		}
		for _, pm := range tm.Partitions {
			if pm.Leader < 0 {
				return false
			}
		}
	}
	return true
}

// invalidate marks topics stale; the next fetchTopics call for any of them
// must refresh rather than serve the cache.
func (m *metadataCache) invalidate(topics ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		m.stale[t] = true
	}
}

// refresh sends a MetadataRequest to the next bootstrap broker in
// round-robin order and returns the response as a new snapshot; its caller,
// fetchTopics, swaps that snapshot into the cache under m.mu.
func (m *metadataCache) refresh(ctx context.Context, topics []string) (kmsg.ClusterMetadata, error) {
	servers := m.session.cfg.bootstrapServers
	if len(servers) == 0 {
		return kmsg.ClusterMetadata{}, ErrNoLeader
	}

	m.mu.Lock()
	addr := servers[m.bootstrapIdx%len(servers)]
	m.bootstrapIdx++
	m.mu.Unlock()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return kmsg.ClusterMetadata{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return kmsg.ClusterMetadata{}, err
	}

	req := &kmsg.MetadataRequestV0{Topics: append([]string(nil), topics...)}
	resultCh, err := m.session.Send(ctx, req, host, int32(port), true)
	if err != nil {
		return kmsg.ClusterMetadata{}, err
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return kmsg.ClusterMetadata{}, res.err
		}
		resp, err := kmsg.DecodeMetadataResponseV0(res.body)
		if err != nil {
			return kmsg.ClusterMetadata{}, err
		}
		return toClusterMetadata(resp), nil
	case <-ctx.Done():
		return kmsg.ClusterMetadata{}, ctx.Err()
	}
}

func toClusterMetadata(resp *kmsg.MetadataResponseV0) kmsg.ClusterMetadata {
	cm := kmsg.ClusterMetadata{
		Brokers:   make(map[int32]kmsg.Broker, len(resp.Brokers)),
		Topics:    make(map[string]kmsg.TopicMetadata, len(resp.Topics)),
		FetchedAt: time.Now(),
	}
	for _, b := range resp.Brokers {
		cm.Brokers[b.NodeID] = b
	}
	for _, t := range resp.Topics {
		cm.Topics[t.Topic] = t
	}
	return cm
}
