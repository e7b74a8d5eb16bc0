// Package cluster publishes partition replicas in ZooKeeper so routers
// and operators can find the current leader.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"vdb/pkg/config"
)

const (
	nodesDir       = "nodes"
	connectTimeout = 10 * time.Second
	watchBackoff   = 2 * time.Second
)

var ErrNotConnected = errors.New("cluster: zookeeper session not established")

// NodeInfo is the payload of a node's ephemeral znode.
type NodeInfo struct {
	ID       uint64 `json:"id"`
	Endpoint string `json:"endpoint"`
	Role     string `json:"role"`
}

// zkConn is the part of *zk.Conn the registry uses.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

type Registry struct {
	conn     zkConn
	rootPath string
	local    NodeInfo
	log      *slog.Logger
}

// NewZKRegistry connects to cfg.ZKServers, e.g. ["zk1:2181", "zk2:2181"].
func NewZKRegistry(cfg config.RegistryConfig, local NodeInfo, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "registry")

	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, _, err := zk.Connect(cfg.ZKServers, timeout, zk.WithLogger(zkLogger{log}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newRegistry(conn, cfg.RootPath, local, log), nil
}

func newRegistry(conn zkConn, rootPath string, local NodeInfo, log *slog.Logger) *Registry {
	return &Registry{
		conn:     conn,
		rootPath: "/" + strings.Trim(rootPath, "/"),
		local:    local,
		log:      log,
	}
}

func (r *Registry) Close() error {
	r.conn.Close()
	return nil
}

func (r *Registry) nodesPath() string {
	return r.rootPath + "/" + nodesDir
}

func (r *Registry) nodePath(id uint64) string {
	return r.nodesPath() + "/" + strconv.FormatUint(id, 10)
}

func (r *Registry) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register creates the ephemeral znode of the local node.
func (r *Registry) Register(ctx context.Context) error {
	if err := r.waitConnected(ctx, connectTimeout); err != nil {
		return err
	}
	if err := r.ensurePath(r.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	data, err := json.Marshal(r.local)
	if err != nil {
		return fmt.Errorf("encode node info: %w", err)
	}

	path := r.nodePath(r.local.ID)
	_, err = r.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	switch {
	case errors.Is(err, zk.ErrNodeExists):
		// left over from our previous session
		if _, err := r.conn.Set(path, data, -1); err != nil {
			return fmt.Errorf("refresh node %s: %w", path, err)
		}
	case err != nil:
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	r.log.Info("registered node", "path", path, "endpoint", r.local.Endpoint, "role", r.local.Role)
	return nil
}

// SetRole rewrites the local node's role if it changed.
func (r *Registry) SetRole(role string) error {
	if role == r.local.Role {
		return nil
	}
	r.local.Role = role

	data, err := json.Marshal(r.local)
	if err != nil {
		return fmt.Errorf("encode node info: %w", err)
	}
	if _, err := r.conn.Set(r.nodePath(r.local.ID), data, -1); err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	r.log.Info("role published", "role", role)
	return nil
}

// Nodes lists the live replicas ordered by id.
func (r *Registry) Nodes() ([]NodeInfo, error) {
	children, _, err := r.conn.Children(r.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return r.readNodes(children)
}

func (r *Registry) readNodes(children []string) ([]NodeInfo, error) {
	out := make([]NodeInfo, 0, len(children))
	for _, child := range children {
		data, _, err := r.conn.Get(r.nodesPath() + "/" + child)
		if errors.Is(err, zk.ErrNoNode) {
			// session expired between Children and Get
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}

		var info NodeInfo
		if err := json.Unmarshal(data, &info); err != nil {
			r.log.Warn("skipping malformed node entry", "node", child, "error", err)
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Watch calls fn with the node list now and after every membership change
// until ctx is done.
func (r *Registry) Watch(ctx context.Context, fn func([]NodeInfo)) {
	go func() {
		for {
			children, _, ch, err := r.conn.ChildrenW(r.nodesPath())
			if err != nil {
				r.log.Warn("ChildrenW failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(watchBackoff):
				}
				continue
			}

			nodes, err := r.readNodes(children)
			if err != nil {
				r.log.Warn("failed to read nodes", "error", err)
			} else {
				fn(nodes)
			}

			select {
			case ev := <-ch:
				r.log.Debug("zk event", "type", ev.Type.String(), "path", ev.Path)
			case <-ctx.Done():
				r.log.Info("watch stopped")
				return
			}
		}
	}()
}

// SyncRole publishes role() every interval until ctx is done.
func (r *Registry) SyncRole(ctx context.Context, interval time.Duration, role func() string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.SetRole(role()); err != nil {
					r.log.Warn("failed to publish role", "error", err)
				}
			}
		}
	}()
}

func (r *Registry) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("after %s, state=%v: %w", timeout, st, ErrNotConnected)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// zkLogger routes the zk client's Printf logging through slog.
type zkLogger struct {
	log *slog.Logger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
