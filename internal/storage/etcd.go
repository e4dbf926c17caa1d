package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"

	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
)

const etcdRetryTimes = 3

// EtcdOptions configures NewEtcdStore.
type EtcdOptions struct {
	// Endpoints of the etcd cluster, for example "http://127.0.0.1:2379".
	Endpoints []string
	// Prefix is prepended to every key so several deployments can share
	// one etcd cluster.
	Prefix      string
	DialTimeout time.Duration
	Logger      logger.Logger
}

// EtcdStore implements Store on top of etcd.
//
// etcd has a flat key space, so the hierarchy is kept by convention: a node
// lives at Prefix+Path, and parent existence is checked inside the same
// transaction that creates a child.
type EtcdStore struct {
	cli    *clientv3.Client
	prefix string
	logger logger.Logger
}

func NewEtcdStore(opts EtcdOptions) (*EtcdStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New(errors.ErrInvalidParameters, "etcd endpoints required")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to etcd")
	}
	return NewEtcdStoreFromClient(cli, opts.Prefix, opts.Logger), nil
}

// NewEtcdStoreFromClient wraps an existing client. The store takes
// ownership of cli and closes it in Close.
func NewEtcdStoreFromClient(cli *clientv3.Client, prefix string, l logger.Logger) *EtcdStore {
	if l == nil {
		l = logger.NopLogger
	}
	return &EtcdStore{
		cli:    cli,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: l,
	}
}

// Client exposes the underlying client, for example to build an Elector on
// the same connection.
func (e *EtcdStore) Client() *clientv3.Client {
	return e.cli
}

func (e *EtcdStore) Close() error {
	return e.cli.Close()
}

func (e *EtcdStore) key(p Path) string {
	return e.prefix + NewPath(string(p)).String()
}

// retry re-runs fn on errors etcd documents as safe to retry: leader
// changes and server-side request timeouts.
func (e *EtcdStore) retry(ctx context.Context, fn func() error) (err error) {
	for tries := 0; tries < etcdRetryTimes; tries++ {
		err = fn()
		if err == nil {
			return nil
		}
		switch err {
		case rpctypes.ErrLeaderChanged, rpctypes.ErrTimeout:
		default:
			return err
		}
		e.logger.Debugf("etcd: retrying after %v", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(tries+1) * 100 * time.Millisecond):
		}
	}
	return err
}

func (e *EtcdStore) Create(ctx context.Context, p Path, value []byte) error {
	p = NewPath(string(p))
	if p.IsRoot() {
		return errors.Newf(errors.ErrNodeExists, "node %s exists", p)
	}
	key := e.key(p)
	op := clientv3.OpPut(key, "")
	op.WithValueBytes(cloneBytes(value))

	cmps := []clientv3.Cmp{clientv3util.KeyMissing(key)}
	if parent := p.Parent(); !parent.IsRoot() {
		cmps = append(cmps, clientv3util.KeyExists(e.key(parent)))
	}

	var resp *clientv3.TxnResponse
	err := e.retry(ctx, func() (err error) {
		resp, err = e.cli.Txn(ctx).
			If(cmps...).
			Then(op).
			Else(clientv3.OpGet(key, clientv3.WithCountOnly())).
			Commit()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "creating %s", p)
	}
	if resp.Succeeded {
		return nil
	}
	if len(resp.Responses) > 0 && resp.Responses[0].GetResponseRange().Count > 0 {
		return errors.Newf(errors.ErrNodeExists, "node %s exists", p)
	}
	return errors.Newf(errors.ErrNodeNotFound, "parent of %s not found", p)
}

func (e *EtcdStore) Get(ctx context.Context, p Path) ([]byte, error) {
	p = NewPath(string(p))
	if p.IsRoot() {
		return nil, nil
	}
	var resp *clientv3.GetResponse
	err := e.retry(ctx, func() (err error) {
		resp, err = e.cli.Get(ctx, e.key(p))
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting %s", p)
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Newf(errors.ErrNodeNotFound, "node %s not found", p)
	}
	return cloneBytes(resp.Kvs[0].Value), nil
}

func (e *EtcdStore) Set(ctx context.Context, p Path, value []byte) error {
	p = NewPath(string(p))
	key := e.key(p)
	op := clientv3.OpPut(key, "")
	op.WithValueBytes(cloneBytes(value))

	var resp *clientv3.TxnResponse
	err := e.retry(ctx, func() (err error) {
		resp, err = e.cli.Txn(ctx).
			If(clientv3util.KeyExists(key)).
			Then(op).
			Commit()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "setting %s", p)
	}
	if !resp.Succeeded {
		return errors.Newf(errors.ErrNodeNotFound, "node %s not found", p)
	}
	return nil
}

func (e *EtcdStore) Delete(ctx context.Context, p Path, recursive bool) error {
	p = NewPath(string(p))
	if p.IsRoot() {
		return errors.New(errors.ErrInvalidParameters, "cannot delete root")
	}
	key := e.key(p)

	if !recursive {
		children, err := e.Children(ctx, p)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return errors.Newf(errors.ErrInvalidState, "node %s has %d children", p, len(children))
		}
	}

	var resp *clientv3.TxnResponse
	err := e.retry(ctx, func() (err error) {
		resp, err = e.cli.Txn(ctx).
			If(clientv3util.KeyExists(key)).
			Then(
				clientv3.OpDelete(key+"/", clientv3.WithPrefix()), // descendants
				clientv3.OpDelete(key),
			).Commit()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "deleting %s", p)
	}
	if !resp.Succeeded {
		return errors.Newf(errors.ErrNodeNotFound, "node %s not found", p)
	}
	return nil
}

func (e *EtcdStore) Children(ctx context.Context, p Path) ([]string, error) {
	p = NewPath(string(p))
	key := e.key(p)
	prefix := key + "/"
	if p.IsRoot() {
		prefix = e.prefix + "/"
	}

	var resp *clientv3.TxnResponse
	err := e.retry(ctx, func() (err error) {
		resp, err = e.cli.Txn(ctx).
			Then(
				clientv3.OpGet(key, clientv3.WithCountOnly()),
				clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly()),
			).Commit()
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", p)
	}
	if !p.IsRoot() && resp.Responses[0].GetResponseRange().Count == 0 {
		return nil, errors.Newf(errors.ErrNodeNotFound, "node %s not found", p)
	}

	seen := make(map[string]struct{})
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		seen[rest] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
