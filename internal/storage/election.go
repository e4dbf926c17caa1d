package storage

import (
	"context"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/dreamware/bulkload/internal/errors"
)

// Elector elects a single active meta server.
type Elector interface {
	// Campaign blocks until this instance is leader or ctx is done.
	Campaign(ctx context.Context) error

	// Resign gives up leadership if held.
	Resign(ctx context.Context) error

	// Leader returns the id of the current leader, "" if there is none.
	Leader(ctx context.Context) (string, error)

	// Done is closed when leadership obtained by the last successful
	// Campaign is lost.
	Done() <-chan struct{}
}

// StaticElector always wins. It serves single-instance deployments and
// tests; leadership is only lost through Resign.
type StaticElector struct {
	id string

	mu     sync.Mutex
	leader bool
	done   chan struct{}
}

func NewStaticElector(id string) *StaticElector {
	return &StaticElector{id: id, done: make(chan struct{})}
}

func (s *StaticElector) Campaign(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.leader {
		s.leader = true
		s.done = make(chan struct{})
	}
	return nil
}

func (s *StaticElector) Resign(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leader {
		s.leader = false
		close(s.done)
	}
	return nil
}

func (s *StaticElector) Leader(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leader {
		return s.id, nil
	}
	return "", nil
}

func (s *StaticElector) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// EtcdElector runs an etcd election under a key prefix. Leadership is tied
// to a lease-backed session: when the session expires, for example because
// this process lost its connection, Done is closed.
type EtcdElector struct {
	cli    *clientv3.Client
	id     string
	prefix string
	ttl    int

	mu       sync.Mutex
	session  *concurrency.Session
	election *concurrency.Election
}

// NewEtcdElector builds an elector campaigning as id. ttl is the session
// lease in seconds; 0 uses the etcd default.
func NewEtcdElector(cli *clientv3.Client, prefix, id string, ttl int) *EtcdElector {
	return &EtcdElector{cli: cli, id: id, prefix: prefix, ttl: ttl}
}

func (e *EtcdElector) Campaign(ctx context.Context) error {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()

	fresh := false
	if session == nil || isClosed(session.Done()) {
		fresh = true
		var opts []concurrency.SessionOption
		if e.ttl > 0 {
			opts = append(opts, concurrency.WithTTL(e.ttl))
		}
		s, err := concurrency.NewSession(e.cli, opts...)
		if err != nil {
			return errors.Wrap(err, "creating election session")
		}
		session = s
	}
	election := concurrency.NewElection(session, e.prefix)
	if err := election.Campaign(ctx, e.id); err != nil {
		if fresh {
			_ = session.Close()
		}
		return errors.Wrap(err, "campaigning")
	}

	e.mu.Lock()
	e.session = session
	e.election = election
	e.mu.Unlock()
	return nil
}

func (e *EtcdElector) Resign(ctx context.Context) error {
	e.mu.Lock()
	election := e.election
	session := e.session
	e.election = nil
	e.session = nil
	e.mu.Unlock()

	if election == nil {
		return nil
	}
	err := election.Resign(ctx)
	if cerr := session.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "resigning")
}

func (e *EtcdElector) Leader(ctx context.Context) (string, error) {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()

	if session == nil {
		s, err := concurrency.NewSession(e.cli)
		if err != nil {
			return "", errors.Wrap(err, "creating election session")
		}
		defer s.Close()
		session = s
	}
	resp, err := concurrency.NewElection(session, e.prefix).Leader(ctx)
	if err == concurrency.ErrElectionNoLeader {
		return "", nil
	} else if err != nil {
		return "", errors.Wrap(err, "getting leader")
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *EtcdElector) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return e.session.Done()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
