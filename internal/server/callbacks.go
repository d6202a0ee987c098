package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"beacon/internal/domain"
	"beacon/internal/engine"
	"beacon/internal/repo"
)

const (
	defaultCallbackInterval = 5 * time.Second
	defaultCallbackTimeout  = 5 * time.Second
	callbackBatch           = 100
)

// callbackNotifier tails the audit log and posts ledger events to the
// callback_url of every relay agent party to them.
type callbackNotifier struct {
	engine   engine.Engine
	log      *zap.Logger
	client   *http.Client
	interval time.Duration
	cursor   int64
}

// StartCallbackNotifier runs the notifier until ctx is done. It returns
// immediately when callbacks are disabled.
func StartCallbackNotifier(ctx context.Context, e engine.Engine, logger *zap.Logger) error {
	if e.Config == nil || !e.Config.Callbacks.Enabled {
		return nil
	}
	n, err := newCallbackNotifier(ctx, e, logger)
	if err != nil {
		return err
	}
	go n.run(ctx)
	return nil
}

func newCallbackNotifier(ctx context.Context, e engine.Engine, logger *zap.Logger) (*callbackNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval, timeout := defaultCallbackInterval, defaultCallbackTimeout
	if e.Config != nil {
		if e.Config.Callbacks.Interval > 0 {
			interval = e.Config.Callbacks.Interval
		}
		if e.Config.Callbacks.Timeout > 0 {
			timeout = e.Config.Callbacks.Timeout
		}
	}
	// Only events appended after startup are delivered.
	cursor, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("init callback cursor: %w", err)
	}
	return &callbackNotifier{
		engine:   e,
		log:      logger.Named("callbacks"),
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		cursor:   cursor,
	}, nil
}

func (n *callbackNotifier) run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		n.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatch delivers one batch. Delivery is best effort: a failed post is
// logged and the cursor still advances.
func (n *callbackNotifier) dispatch(ctx context.Context) int {
	batch, err := n.engine.Repo.ListEvents(ctx, repo.EventFilters{After: n.cursor, Limit: callbackBatch})
	if err != nil {
		n.log.Warn("fetch events failed", zap.Error(err))
		return 0
	}
	sent := 0
	for _, evt := range batch {
		n.cursor = evt.ID
		for _, target := range n.targets(ctx, evt) {
			if err := n.post(ctx, target, evt); err != nil {
				n.log.Warn("delivery failed",
					zap.Int64("event_id", evt.ID),
					zap.String("agent_id", target.agentID),
					zap.Error(err),
				)
				continue
			}
			sent++
		}
	}
	return sent
}

type callbackTarget struct {
	agentID string
	url     string
}

func (n *callbackNotifier) targets(ctx context.Context, evt domain.Event) []callbackTarget {
	if !strings.HasPrefix(evt.Type, "contract.") && !strings.HasPrefix(evt.Type, "bounty.") {
		return nil
	}
	var payload map[string]any
	_ = json.Unmarshal([]byte(evt.Payload), &payload)
	ids := []string{evt.ActorID}
	for _, key := range []string{"from_agent", "to_agent", "claimant"} {
		if v, ok := payload[key].(string); ok {
			ids = append(ids, v)
		}
	}
	var out []callbackTarget
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		agent, err := n.engine.Repo.GetAgent(ctx, nil, id)
		if err != nil || agent.CallbackURL == "" {
			continue
		}
		out = append(out, callbackTarget{agentID: id, url: agent.CallbackURL})
	}
	return out
}

type callbackEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	AgentID    string          `json:"agent_id"`
	Payload    json.RawMessage `json:"payload"`
}

func (n *callbackNotifier) post(ctx context.Context, target callbackTarget, evt domain.Event) error {
	payload := json.RawMessage(`{}`)
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(callbackEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		AgentID:    target.agentID,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "beacon/"+Version)
	req.Header.Set("X-Beacon-Event", evt.Type)
	req.Header.Set("X-Beacon-Delivery", strconv.FormatInt(evt.ID, 10))
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
