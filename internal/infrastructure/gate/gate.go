// Package gate implements the attempt gate that sits in front of the engine.
//
// An attempt is keyed by (identity, action) and counted in a fixed window kept
// in Redis, so every service instance sees the same counters and they expire
// on their own.
package gate

import (
	"context"
	"fmt"
	"time"

	"circlefund/internal/config"

	"github.com/go-redis/redis/v8"
)

// AttemptGate decides whether identity may attempt action right now.
type AttemptGate interface {
	Allow(ctx context.Context, identity, action string) (bool, error)
}

// Limit is the number of attempts allowed per window.
type Limit struct {
	MaxAttempts int64
	Window      time.Duration
}

// incrScript increments the window counter and starts the window's TTL on
// the first hit, atomically.
var incrScript = redis.NewScript(`
	local n = redis.call("INCR", KEYS[1])
	if n == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return n
`)

type RedisGate struct {
	client   *redis.Client
	fallback Limit
	limits   map[string]Limit
}

func NewRedisGate(client *redis.Client, fallback Limit, limits map[string]Limit) *RedisGate {
	return &RedisGate{client: client, fallback: fallback, limits: limits}
}

// NewFromConfig builds the gate described by cfg. A disabled gate is Open.
func NewFromConfig(client *redis.Client, cfg config.GateConfig) AttemptGate {
	if !cfg.Enabled {
		return Open{}
	}
	limits := make(map[string]Limit, len(cfg.Actions))
	for action, l := range cfg.Actions {
		limits[action] = toLimit(l)
	}
	return NewRedisGate(client, toLimit(cfg.Default), limits)
}

func toLimit(l config.LimitConfig) Limit {
	return Limit{MaxAttempts: l.MaxAttempts, Window: time.Duration(l.WindowSeconds) * time.Second}
}

func (g *RedisGate) limitFor(action string) Limit {
	if l, ok := g.limits[action]; ok {
		return l
	}
	return g.fallback
}

func (g *RedisGate) Allow(ctx context.Context, identity, action string) (bool, error) {
	limit := g.limitFor(action)
	if limit.MaxAttempts <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("gate:%s:%s", action, identity)
	n, err := incrScript.Run(ctx, g.client, []string{key}, limit.Window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("gate %s: %w", action, err)
	}
	return n <= limit.MaxAttempts, nil
}

// Open lets every attempt through.
type Open struct{}

func (Open) Allow(context.Context, string, string) (bool, error) {
	return true, nil
}
