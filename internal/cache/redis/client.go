// Package rediscache implements the networked cache tier on Redis.
package rediscache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Mode selects how the client reaches Redis.
type Mode string

const (
	// ModeSingle talks to one Redis node.
	ModeSingle Mode = "single"
	// ModeSentinel discovers the master through Redis Sentinel.
	ModeSentinel Mode = "sentinel"
	// ModeCluster talks to a Redis Cluster.
	ModeCluster Mode = "cluster"
)

// ClientConfig describes a Redis deployment.
type ClientConfig struct {
	Mode       Mode
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int
}

// NewClient builds a client for the configured mode. No connection is made
// until the first command.
func NewClient(cfg ClientConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs))
	for _, addr := range cfg.Addrs {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("redis: at least one address is required")
	}

	switch cfg.Mode {
	case ModeSingle, "":
		return redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		}), nil
	case ModeSentinel:
		if cfg.MasterName == "" {
			return nil, errors.New("redis: sentinel mode requires a master name")
		}
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
		}), nil
	case ModeCluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Username: cfg.Username,
			Password: cfg.Password,
		}), nil
	default:
		return nil, fmt.Errorf("redis: unknown mode %q", cfg.Mode)
	}
}
